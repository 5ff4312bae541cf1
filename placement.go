package morag

import (
	"errors"
	"sort"
)

var (
	// ErrNoCandidates is returned when no active host satisfies a placement
	// request
	ErrNoCandidates = errors.New("no candidate hosts")

	// ErrPlacementContention is returned when repeated capacity reservations
	// lose the kv CAS race
	ErrPlacementContention = errors.New("placement contention, retry")
)

// placementAttempts bounds the CAS retry loop in SchedulePlacement
const placementAttempts = 3

type (
	// PlacementRequest describes the resources a new workload needs. It is
	// ephemeral and never persisted.
	PlacementRequest struct {
		VCPUs          uint32            `json:"vcpus"`
		MemoryMiB      uint64            `json:"memory_mib"`
		RequiredLabels map[string]string `json:"required_labels,omitempty"`
	}

	// CandidateFunction is used to select hosts that can take a placement
	CandidateFunction func(*PlacementRequest, Hosts) (Hosts, error)
)

// Validate ensures a PlacementRequest asks for something schedulable
func (r *PlacementRequest) Validate() error {
	if r.VCPUs == 0 {
		return errors.New("vcpus must be greater than zero")
	}
	if r.MemoryMiB == 0 {
		return errors.New("memory_mib must be greater than zero")
	}
	return nil
}

// CandidateIsActive returns the hosts in the active state
func CandidateIsActive(r *PlacementRequest, hs Hosts) (Hosts, error) {
	var hosts Hosts
	for _, h := range hs {
		if h.State == HostStateActive {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// CandidateHasCapacity returns the hosts with enough unreserved vcpus and
// memory for the request
func CandidateHasCapacity(r *PlacementRequest, hs Hosts) (Hosts, error) {
	var hosts Hosts
	for _, h := range hs {
		avail := h.Available()
		if avail.VCPUs >= r.VCPUs && avail.MemoryMiB >= r.MemoryMiB {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// CandidateHasLabels returns the hosts carrying every required label with a
// matching value. A request without required labels keeps all hosts.
func CandidateHasLabels(r *PlacementRequest, hs Hosts) (Hosts, error) {
	if len(r.RequiredLabels) == 0 {
		return hs, nil
	}

	var hosts Hosts
	for _, h := range hs {
		match := true
		for k, v := range r.RequiredLabels {
			if h.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// DefaultCandidateFunctions is the filter pipeline used by SchedulePlacement
var DefaultCandidateFunctions = []CandidateFunction{
	CandidateIsActive,
	CandidateHasCapacity,
	CandidateHasLabels,
}

// Candidates returns the hosts able to take the request, ordered by the
// spread heuristic: least allocated vcpus first, ties broken by ascending
// host id so scheduling stays deterministic.
func (c *Context) Candidates(r *PlacementRequest, f ...CandidateFunction) (Hosts, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	hosts, err := c.Hosts()
	if err != nil {
		return nil, err
	}

	if len(f) == 0 {
		f = DefaultCandidateFunctions
	}
	for _, fn := range f {
		hosts, err = fn(r, hosts)
		if err != nil {
			return nil, err
		}
		if len(hosts) == 0 {
			return nil, ErrNoCandidates
		}
	}

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Allocated.VCPUs != hosts[j].Allocated.VCPUs {
			return hosts[i].Allocated.VCPUs < hosts[j].Allocated.VCPUs
		}
		return hosts[i].ID < hosts[j].ID
	})

	return hosts, nil
}

// SchedulePlacement chooses a host for the request and reserves its capacity
// in a single step. The in-process placement mutex serializes concurrent
// schedulers; a lost kv CAS (another process changed the host) re-runs the
// candidate selection against fresh records.
func (c *Context) SchedulePlacement(r *PlacementRequest) (*Host, error) {
	c.placement.Lock()
	defer c.placement.Unlock()

	var lastErr error
	for attempt := 0; attempt < placementAttempts; attempt++ {
		hosts, err := c.Candidates(r)
		if err != nil {
			return nil, err
		}

		h := hosts[0]
		if err := h.UpdateAllocation(int64(r.VCPUs), int64(r.MemoryMiB)); err != nil {
			return nil, err
		}
		if err := h.Save(); err != nil {
			lastErr = err
			continue
		}
		return h, nil
	}

	if lastErr != nil {
		return nil, ErrPlacementContention
	}
	return nil, ErrNoCandidates
}

// ReleasePlacement returns previously reserved capacity to a host, clamping
// at zero. Used when a node is deleted or a create fails after placement.
func (c *Context) ReleasePlacement(hostID string, vcpus uint32, memoryMiB uint64) error {
	c.placement.Lock()
	defer c.placement.Unlock()

	var lastErr error
	for attempt := 0; attempt < placementAttempts; attempt++ {
		h, err := c.Host(hostID)
		if err != nil {
			return err
		}
		if err := h.UpdateAllocation(-int64(vcpus), -int64(memoryMiB)); err != nil {
			return err
		}
		if err := h.Save(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
