package morag

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/mistifyio/morag/pkg/kv"
	"github.com/pborman/uuid"
)

var (
	// HostPath is the path in the config store
	HostPath = "morag/hosts/"

	// ErrAllocationExceedsCapacity is returned when a reservation would push
	// a host past its capacity
	ErrAllocationExceedsCapacity = errors.New("allocation exceeds capacity")
)

// Host states
const (
	HostStateActive      = "active"
	HostStateMaintenance = "maintenance"
	HostStateError       = "error"
)

type (
	// Resources counts schedulable capacity in vcpus and MiB of memory
	Resources struct {
		VCPUs     uint32 `json:"vcpus"`
		MemoryMiB uint64 `json:"memory_mib"`
	}

	// Host is a hypervisor endpoint capable of running nodes. Capacity is the
	// initial estimate given when the host is added; Allocated tracks what
	// placement has reserved.
	Host struct {
		context       *Context
		modifiedIndex uint64
		ID            string            `json:"id"`
		URI           string            `json:"uri"`
		Name          string            `json:"name"`
		Labels        map[string]string `json:"labels"`
		Capacity      Resources         `json:"capacity"`
		Allocated     Resources         `json:"allocated"`
		State         string            `json:"state"`
		CreatedAt     time.Time         `json:"created_at"`
	}

	// Hosts is an alias to a slice of *Host
	Hosts []*Host
)

// NewHost creates a new active Host with the given connection URI and
// capacity estimate
func (c *Context) NewHost(name, uri string, capacity Resources) *Host {
	return &Host{
		context:   c,
		ID:        uuid.New(),
		URI:       uri,
		Name:      name,
		Labels:    make(map[string]string),
		Capacity:  capacity,
		State:     HostStateActive,
		CreatedAt: time.Now(),
	}
}

// Host fetches a single Host from the config store
func (c *Context) Host(id string) (*Host, error) {
	h := &Host{
		context: c,
		ID:      id,
	}

	if err := h.Refresh(); err != nil {
		return nil, err
	}

	return h, nil
}

// Hosts fetches every Host from the config store
func (c *Context) Hosts() (Hosts, error) {
	hosts := make(Hosts, 0)
	err := c.ForEachHost(func(h *Host) error {
		hosts = append(hosts, h)
		return nil
	})
	return hosts, err
}

// ForEachHost will run f on each Host. It will stop iteration if f returns an
// error.
func (c *Context) ForEachHost(f func(*Host) error) error {
	values, err := c.kv.GetAll(HostPath)
	if err != nil {
		return err
	}
	for _, value := range values {
		h := &Host{context: c}
		if err := json.Unmarshal(value.Data, h); err != nil {
			return err
		}
		h.modifiedIndex = value.Index

		if err := f(h); err != nil {
			return err
		}
	}
	return nil
}

// key is a helper to generate the config store key
func (h *Host) key() string {
	return filepath.Join(HostPath, h.ID)
}

// Refresh reloads the Host from the data store
func (h *Host) Refresh() error {
	value, err := h.context.kv.Get(h.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, h); err != nil {
		return err
	}
	h.modifiedIndex = value.Index
	return nil
}

// Validate ensures the Host has reasonable data
func (h *Host) Validate() error {
	if h.ID == "" {
		return errors.New("ID is required")
	}
	if h.URI == "" {
		return errors.New("URI is required")
	}
	switch h.State {
	case HostStateActive, HostStateMaintenance, HostStateError:
	default:
		return errors.New("invalid State")
	}
	if h.Allocated.VCPUs > h.Capacity.VCPUs || h.Allocated.MemoryMiB > h.Capacity.MemoryMiB {
		return ErrAllocationExceedsCapacity
	}
	return nil
}

// Save persists the Host to the data store
func (h *Host) Save() error {
	if err := h.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(h)
	if err != nil {
		return err
	}

	index, err := h.context.kv.Update(h.key(), kv.Value{Data: v, Index: h.modifiedIndex})
	if err != nil {
		return err
	}
	h.modifiedIndex = index
	return nil
}

// Delete removes the Host from the data store. Running workloads are not
// touched; use EvacuateHost first when they should move.
func (h *Host) Delete() error {
	return h.context.kv.Delete(h.key(), false)
}

// Available returns the capacity not yet reserved by placement
func (h *Host) Available() Resources {
	return Resources{
		VCPUs:     h.Capacity.VCPUs - h.Allocated.VCPUs,
		MemoryMiB: h.Capacity.MemoryMiB - h.Allocated.MemoryMiB,
	}
}

// UpdateAllocation applies signed deltas to the host's reserved resources,
// clamping each dimension at zero on the low end and refusing to exceed
// capacity on the high end. It does not persist; call Save afterwards.
func (h *Host) UpdateAllocation(deltaVCPUs, deltaMemoryMiB int64) error {
	vcpus := int64(h.Allocated.VCPUs) + deltaVCPUs
	if vcpus < 0 {
		vcpus = 0
	}
	mem := int64(h.Allocated.MemoryMiB) + deltaMemoryMiB
	if mem < 0 {
		mem = 0
	}

	if uint32(vcpus) > h.Capacity.VCPUs || uint64(mem) > h.Capacity.MemoryMiB {
		return ErrAllocationExceedsCapacity
	}

	h.Allocated.VCPUs = uint32(vcpus)
	h.Allocated.MemoryMiB = uint64(mem)
	return nil
}

// SetMaintenance toggles the host between active and maintenance without
// touching running workloads
func (h *Host) SetMaintenance(enabled bool) error {
	if enabled {
		h.State = HostStateMaintenance
	} else {
		h.State = HostStateActive
	}
	return h.Save()
}
