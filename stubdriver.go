package morag

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type (
	// StubFleet is an in-memory hypervisor fleet for testing. Dialing the
	// same URI twice yields drivers sharing that endpoint's state, the way
	// two pooled connections to one hypervisor would.
	StubFleet struct {
		mutex            sync.Mutex
		endpoints        map[string]*stubEndpoint
		rand             *rand.Rand
		failPercent      int
		failures         map[string]error
		ThickUnsupported bool
	}

	stubEndpoint struct {
		systems   map[string]*System
		volumes   map[string]uint64
		images    map[string]bool
		seeds     map[string][]byte
		snapshots map[string]map[string]bool
		isos      map[string]string
		boot      map[string]string
	}

	// StubDriver is a Driver with stubbed methods backed by a StubFleet
	StubDriver struct {
		fleet  *StubFleet
		uri    string
		closed bool
	}
)

// NewStubFleet creates a StubFleet that fails the given percent of driver
// calls at random
func NewStubFleet(failPercent int) *StubFleet {
	return &StubFleet{
		endpoints:   make(map[string]*stubEndpoint),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		failPercent: failPercent,
		failures:    make(map[string]error),
	}
}

// Dial returns a driver connection to the endpoint at uri. It satisfies
// DialFunc.
func (f *StubFleet) Dial(uri string) (Driver, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, ok := f.endpoints[uri]; !ok {
		f.endpoints[uri] = &stubEndpoint{
			systems:   make(map[string]*System),
			volumes:   make(map[string]uint64),
			images:    make(map[string]bool),
			seeds:     make(map[string][]byte),
			snapshots: make(map[string]map[string]bool),
			isos:      make(map[string]string),
			boot:      make(map[string]string),
		}
	}
	return &StubDriver{fleet: f, uri: uri}, nil
}

// InjectFailure makes every subsequent call of op fail with err until
// ClearFailure. Op names match the lowercased Driver method, e.g. "migrate".
func (f *StubFleet) InjectFailure(op string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failures[op] = err
}

// ClearFailure removes an injected failure
func (f *StubFleet) ClearFailure(op string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.failures, op)
}

// AddSystem seeds a running system onto the endpoint at uri
func (f *StubFleet) AddSystem(uri string, sys System) {
	d, _ := f.Dial(uri)
	f.mutex.Lock()
	defer f.mutex.Unlock()
	s := sys
	if s.State == "" {
		s.State = SystemStateRunning
	}
	if s.ID == "" {
		s.ID = s.Name
	}
	f.endpoints[d.(*StubDriver).uri].systems[s.Name] = &s
}

// Systems returns a copy of the systems on the endpoint at uri
func (f *StubFleet) Systems(uri string) []System {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ep := f.endpoints[uri]
	if ep == nil {
		return nil
	}
	systems := make([]System, 0, len(ep.systems))
	for _, s := range ep.systems {
		systems = append(systems, *s)
	}
	return systems
}

// stubError simulates failure for a given percent of the time, with injected
// failures taking priority
func (f *StubFleet) stubError(op string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err, ok := f.failures[op]; ok {
		return err
	}
	if f.failPercent > 0 && f.rand.Intn(100) < f.failPercent {
		return errors.New("random error")
	}
	return nil
}

func (d *StubDriver) endpoint() *stubEndpoint {
	return d.fleet.endpoints[d.uri]
}

// ListSystems returns every system on the endpoint
func (d *StubDriver) ListSystems() ([]System, error) {
	if err := d.fleet.stubError("listsystems"); err != nil {
		return nil, err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	systems := make([]System, 0, len(d.endpoint().systems))
	for _, s := range d.endpoint().systems {
		systems = append(systems, *s)
	}
	return systems, nil
}

// GetSystem returns a single system by id or name
func (d *StubDriver) GetSystem(id string) (*System, error) {
	if err := d.fleet.stubError("getsystem"); err != nil {
		return nil, err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	s, ok := d.endpoint().systems[id]
	if !ok {
		return nil, fmt.Errorf("system not found: %s", id)
	}
	sys := *s
	return &sys, nil
}

// DefineSystem defines a new system on the endpoint in the shutoff state
func (d *StubDriver) DefineSystem(config SystemConfig) (*System, error) {
	if err := d.fleet.stubError("definesystem"); err != nil {
		return nil, err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if _, ok := d.endpoint().systems[config.Name]; ok {
		return nil, fmt.Errorf("system already defined: %s", config.Name)
	}
	s := &System{
		ID:        config.Name,
		Name:      config.Name,
		State:     SystemStateShutOff,
		VCPUs:     config.VCPUs,
		MemoryMiB: config.MemoryMiB,
	}
	d.endpoint().systems[config.Name] = s
	sys := *s
	return &sys, nil
}

// UndefineSystem removes a system definition
func (d *StubDriver) UndefineSystem(id string) error {
	if err := d.fleet.stubError("undefinesystem"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	delete(d.endpoint().systems, id)
	return nil
}

func (d *StubDriver) setState(op, id, state string) error {
	if err := d.fleet.stubError(op); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	s, ok := d.endpoint().systems[id]
	if !ok {
		return fmt.Errorf("system not found: %s", id)
	}
	s.State = state
	return nil
}

// PowerOn starts a system
func (d *StubDriver) PowerOn(id string) error {
	return d.setState("poweron", id, SystemStateRunning)
}

// PowerOff stops a system
func (d *StubDriver) PowerOff(id string) error {
	return d.setState("poweroff", id, SystemStateShutOff)
}

// ResetSystem applies a reset action to a system
func (d *StubDriver) ResetSystem(id, resetType string) error {
	switch resetType {
	case ResetOn, ResetForceRestart, ResetResume:
		return d.setState("resetsystem", id, SystemStateRunning)
	case ResetForceOff, ResetGracefulShutdown:
		return d.setState("resetsystem", id, SystemStateShutOff)
	case ResetPause:
		return d.setState("resetsystem", id, SystemStatePaused)
	default:
		return fmt.Errorf("invalid reset type: %s", resetType)
	}
}

// SetBootOverride records a one-shot or persistent boot target for a system
func (d *StubDriver) SetBootOverride(id, target string, persist bool) error {
	if err := d.fleet.stubError("setbootoverride"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if _, ok := d.endpoint().systems[id]; !ok {
		return fmt.Errorf("system not found: %s", id)
	}
	d.endpoint().boot[id] = target
	return nil
}

// AttachISO inserts media into a system's virtual optical drive
func (d *StubDriver) AttachISO(id, path string) error {
	if err := d.fleet.stubError("attachiso"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if _, ok := d.endpoint().systems[id]; !ok {
		return fmt.Errorf("system not found: %s", id)
	}
	d.endpoint().isos[id] = path
	return nil
}

// DetachISO ejects a system's media
func (d *StubDriver) DetachISO(id string) error {
	if err := d.fleet.stubError("detachiso"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	delete(d.endpoint().isos, id)
	return nil
}

// CreateSnapshot records a named snapshot of a system
func (d *StubDriver) CreateSnapshot(id, name string) error {
	if err := d.fleet.stubError("createsnapshot"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if _, ok := d.endpoint().systems[id]; !ok {
		return fmt.Errorf("system not found: %s", id)
	}
	if d.endpoint().snapshots[id] == nil {
		d.endpoint().snapshots[id] = make(map[string]bool)
	}
	d.endpoint().snapshots[id][name] = true
	return nil
}

func (d *StubDriver) snapshotOp(op, id, name string, remove bool) error {
	if err := d.fleet.stubError(op); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if !d.endpoint().snapshots[id][name] {
		return fmt.Errorf("snapshot not found: %s/%s", id, name)
	}
	if remove {
		delete(d.endpoint().snapshots[id], name)
	}
	return nil
}

// RevertSnapshot reverts a system to a named snapshot
func (d *StubDriver) RevertSnapshot(id, name string) error {
	return d.snapshotOp("revertsnapshot", id, name, false)
}

// DeleteSnapshot removes a named snapshot
func (d *StubDriver) DeleteSnapshot(id, name string) error {
	return d.snapshotOp("deletesnapshot", id, name, true)
}

// CreateVolume provisions a storage volume. Thick provisioning reports
// ErrNotSupported when the fleet is flagged as lacking the preferred tool.
func (d *StubDriver) CreateVolume(name string, sizeGiB uint64, sparse bool) error {
	if err := d.fleet.stubError("createvolume"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	if !sparse && d.fleet.ThickUnsupported {
		return ErrNotSupported
	}
	d.endpoint().volumes[name] = sizeGiB
	return nil
}

// DeleteVolume removes a storage volume
func (d *StubDriver) DeleteVolume(name string) error {
	if err := d.fleet.stubError("deletevolume"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	delete(d.endpoint().volumes, name)
	return nil
}

// HasImage reports whether the endpoint already caches the image at url
func (d *StubDriver) HasImage(url string) (bool, error) {
	if err := d.fleet.stubError("hasimage"); err != nil {
		return false, err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	return d.endpoint().images[url], nil
}

// FetchImage downloads the image at url into the endpoint's cache
func (d *StubDriver) FetchImage(url string) error {
	if err := d.fleet.stubError("fetchimage"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	d.endpoint().images[url] = true
	return nil
}

// WriteSeed stores the guest customization seed for a system
func (d *StubDriver) WriteSeed(systemID string, data []byte) error {
	if err := d.fleet.stubError("writeseed"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	d.endpoint().seeds[systemID] = data
	return nil
}

// RemoveSeed deletes a system's seed artifact
func (d *StubDriver) RemoveSeed(systemID string) error {
	if err := d.fleet.stubError("removeseed"); err != nil {
		return err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()
	delete(d.endpoint().seeds, systemID)
	return nil
}

// Migrate moves a system from this endpoint to targetURI and reports the
// downtime the hypervisor observed during cutover
func (d *StubDriver) Migrate(systemID, targetURI string, opts MigrateOptions) (*MigrateResult, error) {
	if err := d.fleet.stubError("migrate"); err != nil {
		return nil, err
	}
	d.fleet.mutex.Lock()
	defer d.fleet.mutex.Unlock()

	s, ok := d.endpoint().systems[systemID]
	if !ok {
		return nil, fmt.Errorf("system not found: %s", systemID)
	}

	target, ok := d.fleet.endpoints[targetURI]
	if !ok {
		target = &stubEndpoint{
			systems:   make(map[string]*System),
			volumes:   make(map[string]uint64),
			images:    make(map[string]bool),
			seeds:     make(map[string][]byte),
			snapshots: make(map[string]map[string]bool),
			isos:      make(map[string]string),
			boot:      make(map[string]string),
		}
		d.fleet.endpoints[targetURI] = target
	}

	if targetURI != d.uri {
		delete(d.endpoint().systems, systemID)
		target.systems[systemID] = s
	}

	downtime := opts.MaxDowntimeMS / 2
	if downtime < 1 {
		downtime = 1
	}
	return &MigrateResult{DowntimeMS: downtime}, nil
}

// Ping verifies the connection is usable
func (d *StubDriver) Ping() error {
	if d.closed {
		return errors.New("connection closed")
	}
	return d.fleet.stubError("ping")
}

// Close releases the connection
func (d *StubDriver) Close() error {
	d.closed = true
	return nil
}
