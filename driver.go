package morag

import "errors"

// ErrNotSupported is returned by a driver when an operation or option is not
// available on its endpoint, such as thick volume provisioning without the
// preferred tooling installed.
var ErrNotSupported = errors.New("operation not supported")

// Reset types accepted by ResetSystem
const (
	ResetOn               = "On"
	ResetForceOff         = "ForceOff"
	ResetGracefulShutdown = "GracefulShutdown"
	ResetForceRestart     = "ForceRestart"
	ResetPause            = "Pause"
	ResetResume           = "Resume"
)

// Boot override targets accepted by SetBootOverride
const (
	BootTargetNone = "None"
	BootTargetPxe  = "Pxe"
	BootTargetHd   = "Hd"
	BootTargetCd   = "Cd"
)

// System states reported by drivers
const (
	SystemStateRunning = "running"
	SystemStateShutOff = "shutoff"
	SystemStatePaused  = "paused"
)

type (
	// System is a driver's view of a node running on its endpoint. The
	// driver's internal representation (XML, RPC) is opaque to the core.
	System struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		State     string `json:"state"`
		VCPUs     uint32 `json:"vcpus"`
		MemoryMiB uint64 `json:"memory_mib"`
	}

	// SystemConfig describes a node to define on an endpoint
	SystemConfig struct {
		Name      string `json:"name"`
		VCPUs     uint32 `json:"vcpus"`
		MemoryMiB uint64 `json:"memory_mib"`
		Volume    string `json:"volume,omitempty"`
		Image     string `json:"image,omitempty"`
		Seed      string `json:"seed,omitempty"`
	}

	// MigrateOptions carries the merged migration flags down to the driver
	MigrateOptions struct {
		Live          bool  `json:"live"`
		Tunneled      bool  `json:"tunneled"`
		Compressed    bool  `json:"compressed"`
		AutoConverge  bool  `json:"auto_converge"`
		CopyStorage   bool  `json:"copy_storage"`
		BandwidthMbps int   `json:"bandwidth_mbps"`
		MaxDowntimeMS int64 `json:"max_downtime_ms"`
	}

	// MigrateResult reports what the hypervisor measured during the move
	MigrateResult struct {
		DowntimeMS int64 `json:"downtime_ms"`
	}

	// Driver is the interface for communication with one hypervisor
	// endpoint. Connections to it are managed by pkg/connpool, so a Driver
	// must also be pingable and closable.
	Driver interface {
		ListSystems() ([]System, error)
		GetSystem(id string) (*System, error)
		DefineSystem(config SystemConfig) (*System, error)
		UndefineSystem(id string) error
		PowerOn(id string) error
		PowerOff(id string) error
		ResetSystem(id string, resetType string) error
		SetBootOverride(id, target string, persist bool) error
		AttachISO(id, path string) error
		DetachISO(id string) error
		CreateSnapshot(id, name string) error
		RevertSnapshot(id, name string) error
		DeleteSnapshot(id, name string) error
		CreateVolume(name string, sizeGiB uint64, sparse bool) error
		DeleteVolume(name string) error
		HasImage(url string) (bool, error)
		FetchImage(url string) error
		WriteSeed(systemID string, data []byte) error
		RemoveSeed(systemID string) error
		Migrate(systemID, targetURI string, opts MigrateOptions) (*MigrateResult, error)

		Ping() error
		Close() error
	}

	// DialFunc establishes a new driver connection to the endpoint at uri
	DialFunc func(uri string) (Driver, error)
)
