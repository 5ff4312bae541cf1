// Package common contains common utilities and suites to be used in other
// tests
package common

import (
	"time"

	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/pkg/connpool"
	"github.com/mistifyio/morag/pkg/kv"
	_ "github.com/mistifyio/morag/pkg/kv/mem"
	"github.com/stretchr/testify/suite"
)

// Suite sets up a general test suite with setup/teardown: an in-memory kv, a
// stub hypervisor fleet, and the orchestrators wired the way moragd wires
// them.
type Suite struct {
	suite.Suite
	KV        kv.KV
	Context   *morag.Context
	Fleet     *morag.StubFleet
	Pools     *connpool.Manager[morag.Driver]
	Bus       *morag.Bus
	Runner    *morag.Runner
	Migrator  *morag.Migrator
	Lifecycle *morag.Lifecycle
}

// SetupTest builds a fresh control plane per test
func (s *Suite) SetupTest() {
	var err error
	s.KV, err = kv.New("mem://")
	s.Require().NoError(err)

	s.Context = morag.NewContext(s.KV)
	s.Fleet = morag.NewStubFleet(0)
	s.Pools = connpool.NewManager[morag.Driver](s.Fleet.Dial, connpool.Config{
		MinConns:            1,
		MaxConns:            4,
		TTL:                 time.Hour,
		HealthCheckInterval: time.Hour,
	})
	s.Bus = morag.NewBus(s.Context)
	s.Runner = morag.NewRunner(s.Context, s.Bus, 8)
	s.Migrator = morag.NewMigrator(s.Context, s.Pools, s.Runner, s.Bus)
	s.Lifecycle = morag.NewLifecycle(s.Context, s.Pools, s.Runner, s.Bus)
}

// TearDownTest drains the background machinery
func (s *Suite) TearDownTest() {
	s.Runner.Stop()
	s.Bus.Stop()
	s.Pools.CloseAll()
}

// NewHost creates and saves a new active Host
func (s *Suite) NewHost(name, uri string, vcpus uint32, memoryMiB uint64) *morag.Host {
	h := s.Context.NewHost(name, uri, morag.Resources{VCPUs: vcpus, MemoryMiB: memoryMiB})
	s.Require().NoError(h.Save())
	return h
}

// NewTask creates and saves a new Task
func (s *Suite) NewTask(name string) *morag.Task {
	t := s.Context.NewTask(name)
	s.Require().NoError(t.Save())
	return t
}

// NewSubscription creates and saves a webhook Subscription
func (s *Suite) NewSubscription(destination, secret string, eventTypes, systemIDs []string) *morag.Subscription {
	sub := s.Context.NewSubscription(destination)
	sub.Secret = secret
	sub.EventTypes = eventTypes
	sub.SystemIDs = systemIDs
	s.Require().NoError(sub.Save())
	return sub
}

// WaitForTask polls until the task reaches a terminal state and returns the
// final record
func (s *Suite) WaitForTask(id string) *morag.Task {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		t, err := s.Context.Task(id)
		s.Require().NoError(err)
		if t.Finished() {
			return t
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Require().FailNow("task did not finish: " + id)
	return nil
}

// WaitForMigration polls until the migration reaches a terminal status and
// returns the final record
func (s *Suite) WaitForMigration(id string) *morag.Migration {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := s.Context.Migration(id)
		s.Require().NoError(err)
		if m.Finished() {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Require().FailNow("migration did not finish: " + id)
	return nil
}
