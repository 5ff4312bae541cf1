package morag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mistifyio/morag/pkg/connpool"
	"github.com/pborman/uuid"
	log "github.com/Sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrNodeNotFound is returned when no host reports the named system
var ErrNodeNotFound = errors.New("node not found on any host")

type (
	// NodeSpec describes the node a caller wants created
	NodeSpec struct {
		Name      string            `json:"name"`
		VCPUs     uint32            `json:"vcpus"`
		MemoryMiB uint64            `json:"memory_mib"`
		DiskGiB   uint64            `json:"disk_gib"`
		ImageURL  string            `json:"image_url,omitempty"`
		Labels    map[string]string `json:"labels,omitempty"`
	}

	// Lifecycle is the top-level orchestrator turning create/delete/batch
	// requests into task-tracked background work
	Lifecycle struct {
		context *Context
		pools   *connpool.Manager[Driver]
		runner  *Runner
		bus     *Bus
	}
)

// Validate ensures the NodeSpec is buildable
func (s *NodeSpec) Validate() error {
	if s.Name == "" {
		return errors.New("Name is required")
	}
	if s.VCPUs == 0 {
		return errors.New("VCPUs must be greater than zero")
	}
	if s.MemoryMiB == 0 {
		return errors.New("MemoryMiB must be greater than zero")
	}
	if s.DiskGiB == 0 {
		return errors.New("DiskGiB must be greater than zero")
	}
	return nil
}

// volumeName is the storage volume backing a node's root disk
func (s *NodeSpec) volumeName() string {
	return s.Name + "-root"
}

// NewLifecycle creates a Lifecycle using the given pools, runner, and bus
func NewLifecycle(c *Context, pools *connpool.Manager[Driver], runner *Runner, bus *Bus) *Lifecycle {
	return &Lifecycle{
		context: c,
		pools:   pools,
		runner:  runner,
		bus:     bus,
	}
}

// CreateNode schedules creation of the node described by spec and returns its
// Task immediately
func (l *Lifecycle) CreateNode(spec NodeSpec) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return l.runner.RunBackground("create node "+spec.Name, func(taskID string) error {
		return l.createNode(taskID, spec)
	})
}

func (l *Lifecycle) progress(taskID string, percent int, message string) {
	if _, err := l.context.UpdateTask(taskID, TaskUpdate{Percent: percent, Message: message}); err != nil {
		log.WithFields(log.Fields{
			"task":  taskID,
			"error": err,
		}).Error("unable to update task progress")
	}
}

func (l *Lifecycle) createNode(taskID string, spec NodeSpec) error {
	host, err := l.context.SchedulePlacement(&PlacementRequest{
		VCPUs:          spec.VCPUs,
		MemoryMiB:      spec.MemoryMiB,
		RequiredLabels: spec.Labels,
	})
	if err != nil {
		return err
	}
	l.progress(taskID, 10, "placed on host "+host.ID)

	release := func() {
		if rerr := l.context.ReleasePlacement(host.ID, spec.VCPUs, spec.MemoryMiB); rerr != nil {
			log.WithFields(log.Fields{
				"host":  host.ID,
				"error": rerr,
			}).Error("unable to release allocation")
		}
	}

	pool := l.pools.Pool(host.URI)
	pc, err := pool.Get()
	if err != nil {
		release()
		return err
	}
	defer pool.Put(pc)
	driver := pc.Conn

	if err := provisionVolume(driver, spec.volumeName(), spec.DiskGiB); err != nil {
		release()
		return err
	}
	l.progress(taskID, 30, "provisioned volume "+spec.volumeName())

	if spec.ImageURL != "" {
		cached, err := driver.HasImage(spec.ImageURL)
		if err != nil {
			release()
			return err
		}
		if !cached {
			if err := driver.FetchImage(spec.ImageURL); err != nil {
				release()
				return err
			}
		}
		l.progress(taskID, 50, "image ready")
	}

	seed, err := generateSeed(spec)
	if err != nil {
		release()
		return err
	}
	if err := driver.WriteSeed(spec.Name, seed); err != nil {
		release()
		return err
	}
	l.progress(taskID, 65, "seed generated")

	if _, err := driver.DefineSystem(SystemConfig{
		Name:      spec.Name,
		VCPUs:     spec.VCPUs,
		MemoryMiB: spec.MemoryMiB,
		Volume:    spec.volumeName(),
		Image:     spec.ImageURL,
		Seed:      spec.Name,
	}); err != nil {
		release()
		return err
	}
	if err := driver.PowerOn(spec.Name); err != nil {
		release()
		return err
	}
	l.progress(taskID, 90, "node defined and powered on")

	l.bus.Publish(EventSystemCreated, map[string]interface{}{
		"systemId": spec.Name,
		"hostId":   host.ID,
	})

	return nil
}

// provisionVolume creates the node's root volume, falling back to a sparse
// allocation when the endpoint lacks the preferred provisioning tool
func provisionVolume(driver Driver, name string, sizeGiB uint64) error {
	err := driver.CreateVolume(name, sizeGiB, false)
	if errors.Is(err, ErrNotSupported) {
		return driver.CreateVolume(name, sizeGiB, true)
	}
	return err
}

// generateSeed builds the per-node guest customization seed
func generateSeed(spec NodeSpec) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"instance-id":    uuid.New(),
		"local-hostname": spec.Name,
	})
}

// DeleteNode schedules removal of the named node, optionally deleting its
// storage volume, and returns its Task immediately
func (l *Lifecycle) DeleteNode(name string, deleteStorage bool) (*Task, error) {
	if name == "" {
		return nil, errors.New("name is required")
	}
	return l.runner.RunBackground("delete node "+name, func(taskID string) error {
		return l.deleteNode(taskID, name, deleteStorage)
	})
}

func (l *Lifecycle) deleteNode(taskID string, name string, deleteStorage bool) error {
	host, driver, put, sys, err := l.findNode(name)
	if err != nil {
		return err
	}
	defer put()
	l.progress(taskID, 20, "found node on host "+host.ID)

	if sys.State == SystemStateRunning {
		if err := driver.PowerOff(name); err != nil {
			return err
		}
	}
	if err := driver.UndefineSystem(name); err != nil {
		return err
	}
	l.progress(taskID, 60, "node undefined")

	if err := driver.RemoveSeed(name); err != nil {
		return err
	}
	if deleteStorage {
		if err := driver.DeleteVolume(name + "-root"); err != nil {
			return err
		}
	}
	l.progress(taskID, 85, "artifacts removed")

	if err := l.context.ReleasePlacement(host.ID, sys.VCPUs, sys.MemoryMiB); err != nil {
		log.WithFields(log.Fields{
			"host":  host.ID,
			"error": err,
		}).Error("unable to release allocation")
	}

	l.bus.Publish(EventSystemDeleted, map[string]interface{}{
		"systemId": name,
		"hostId":   host.ID,
	})

	return nil
}

// findNode locates the host currently running the named system. The caller
// must invoke the returned put function to return the pool connection.
func (l *Lifecycle) findNode(name string) (*Host, Driver, func(), *System, error) {
	hosts, err := l.context.Hosts()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	for _, host := range hosts {
		pool := l.pools.Pool(host.URI)
		pc, err := pool.Get()
		if err != nil {
			continue
		}
		sys, err := pc.Conn.GetSystem(name)
		if err != nil {
			pool.Put(pc)
			continue
		}
		put := func() { pool.Put(pc) }
		return host, pc.Conn, put, sys, nil
	}

	return nil, nil, nil, nil, ErrNodeNotFound
}

// BatchCreate fans out count node creations named <spec.Name>-<n>, bounded by
// maxConcurrency, under one parent Task that aggregates overall progress.
// Child failures are recorded on the parent without aborting siblings.
func (l *Lifecycle) BatchCreate(spec NodeSpec, count, maxConcurrency int) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, errors.New("count must be greater than zero")
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	name := fmt.Sprintf("batch create %s x%d", spec.Name, count)
	return l.runner.RunBackground(name, func(taskID string) error {
		return l.batchCreate(taskID, spec, count, maxConcurrency)
	})
}

func (l *Lifecycle) batchCreate(taskID string, spec NodeSpec, count, maxConcurrency int) error {
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup

	var mutex sync.Mutex
	done := 0
	var failures []string

	for i := 0; i < count; i++ {
		child := spec
		child.Name = fmt.Sprintf("%s-%d", spec.Name, i)

		if err := sem.Acquire(context.Background(), 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			t, err := l.runner.Run("create node "+child.Name, func(childTaskID string) error {
				return l.createNode(childTaskID, child)
			})

			mutex.Lock()
			defer mutex.Unlock()
			done++
			message := ""
			switch {
			case err != nil:
				failures = append(failures, child.Name+": "+err.Error())
				message = child.Name + " failed"
			case t.State == TaskStateException:
				detail := "see task " + t.ID
				if len(t.Messages) > 0 {
					detail = t.Messages[len(t.Messages)-1]
				}
				failures = append(failures, child.Name+": "+detail)
				message = child.Name + " failed"
			default:
				message = child.Name + " created"
			}
			// parent stays below 100 until the runner finishes it
			percent := done * 99 / count
			l.progress(taskID, percent, message)
		}()
	}

	wg.Wait()

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d nodes failed: %v", len(failures), count, failures)
	}
	return nil
}
