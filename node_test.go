package morag_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/internal/tests/common"
	"github.com/stretchr/testify/suite"
)

type NodeTestSuite struct {
	common.Suite
}

func TestNodeTestSuite(t *testing.T) {
	suite.Run(t, new(NodeTestSuite))
}

func nodeSpec(name string) morag.NodeSpec {
	return morag.NodeSpec{
		Name:      name,
		VCPUs:     2,
		MemoryMiB: 4096,
		DiskGiB:   20,
		ImageURL:  "http://images.example.com/base.qcow2",
	}
}

func (s *NodeTestSuite) TestSpecValidate() {
	tests := []struct {
		description string
		spec        morag.NodeSpec
		expectedErr bool
	}{
		{"missing name", morag.NodeSpec{VCPUs: 1, MemoryMiB: 1024, DiskGiB: 10}, true},
		{"zero vcpus", morag.NodeSpec{Name: "n", MemoryMiB: 1024, DiskGiB: 10}, true},
		{"zero memory", morag.NodeSpec{Name: "n", VCPUs: 1, DiskGiB: 10}, true},
		{"zero disk", morag.NodeSpec{Name: "n", VCPUs: 1, MemoryMiB: 1024}, true},
		{"valid", morag.NodeSpec{Name: "n", VCPUs: 1, MemoryMiB: 1024, DiskGiB: 10}, false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		err := test.spec.Validate()
		if test.expectedErr {
			s.Error(err, msg("should fail"))
		} else {
			s.NoError(err, msg("should succeed"))
		}
	}
}

func (s *NodeTestSuite) TestCreateNode() {
	host := s.NewHost("hv01", "http://hv01:19999", 8, 16384)

	events := s.Bus.Subscribe()
	defer events.Unsubscribe()

	t, err := s.Lifecycle.CreateNode(nodeSpec("web0"))
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateCompleted, final.State)
	s.Equal(100, final.Percent)

	select {
	case e := <-events.C:
		s.Equal(morag.EventSystemCreated, e.Type)
		s.Equal("web0", e.Payload["systemId"])
		s.Equal(host.ID, e.Payload["hostId"])
	case <-time.After(5 * time.Second):
		s.Fail("no system.created event")
	}

	systems := s.Fleet.Systems(host.URI)
	s.Require().Len(systems, 1)
	s.Equal("web0", systems[0].Name)
	s.Equal(morag.SystemStateRunning, systems[0].State)

	s.Require().NoError(host.Refresh())
	s.Equal(morag.Resources{VCPUs: 2, MemoryMiB: 4096}, host.Allocated)
}

func (s *NodeTestSuite) TestCreateNodeSparseFallback() {
	host := s.NewHost("hv01", "http://hv01:19999", 8, 16384)
	s.Fleet.ThickUnsupported = true

	t, err := s.Lifecycle.CreateNode(nodeSpec("web0"))
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateCompleted, final.State, "create should fall back to sparse provisioning")
	s.Len(s.Fleet.Systems(host.URI), 1)
}

func (s *NodeTestSuite) TestCreateNodeNoCapacity() {
	s.NewHost("hv01", "http://hv01:19999", 1, 512)

	t, err := s.Lifecycle.CreateNode(nodeSpec("web0"))
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)
	s.Contains(final.Messages, morag.ErrNoCandidates.Error())
}

func (s *NodeTestSuite) TestCreateNodeFailureReleasesAllocation() {
	host := s.NewHost("hv01", "http://hv01:19999", 8, 16384)
	s.Fleet.InjectFailure("definesystem", fmt.Errorf("libvirt went away"))

	t, err := s.Lifecycle.CreateNode(nodeSpec("web0"))
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)

	s.Require().NoError(host.Refresh())
	s.Equal(morag.Resources{}, host.Allocated, "failed create should release its reservation")
}

func (s *NodeTestSuite) TestDeleteNode() {
	host := s.NewHost("hv01", "http://hv01:19999", 8, 16384)

	events := s.Bus.Subscribe()
	defer events.Unsubscribe()

	t, err := s.Lifecycle.CreateNode(nodeSpec("web0"))
	s.Require().NoError(err)
	s.WaitForTask(t.ID)

	t, err = s.Lifecycle.DeleteNode("web0", true)
	s.Require().NoError(err)
	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateCompleted, final.State)

	s.Empty(s.Fleet.Systems(host.URI))
	s.Require().NoError(host.Refresh())
	s.Equal(morag.Resources{}, host.Allocated)

	var deleted bool
	for e := range events.C {
		if e.Type == morag.EventSystemDeleted {
			s.Equal("web0", e.Payload["systemId"])
			deleted = true
			break
		}
	}
	s.True(deleted, "system.deleted should be published")
}

func (s *NodeTestSuite) TestDeleteNodeNotFound() {
	s.NewHost("hv01", "http://hv01:19999", 8, 16384)

	t, err := s.Lifecycle.DeleteNode("ghost", false)
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)
	s.Contains(final.Messages, morag.ErrNodeNotFound.Error())
}

func (s *NodeTestSuite) TestBatchCreate() {
	host := s.NewHost("hv01", "http://hv01:19999", 32, 65536)

	t, err := s.Lifecycle.BatchCreate(nodeSpec("web"), 3, 2)
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateCompleted, final.State)
	s.Equal(100, final.Percent)

	systems := s.Fleet.Systems(host.URI)
	s.Len(systems, 3)
	names := map[string]bool{}
	for _, sys := range systems {
		names[sys.Name] = true
	}
	for i := 0; i < 3; i++ {
		s.True(names[fmt.Sprintf("web-%d", i)])
	}
}

func (s *NodeTestSuite) TestBatchCreatePartialFailure() {
	host := s.NewHost("hv01", "http://hv01:19999", 32, 65536)
	// a pre-existing system makes one child's DefineSystem collide
	s.Fleet.AddSystem(host.URI, morag.System{Name: "web-1", VCPUs: 1, MemoryMiB: 1024})

	t, err := s.Lifecycle.BatchCreate(nodeSpec("web"), 3, 3)
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)
	s.Require().NotEmpty(final.Messages)
	s.Contains(final.Messages[len(final.Messages)-1], "1 of 3 nodes failed")

	// the siblings still landed
	names := map[string]bool{}
	for _, sys := range s.Fleet.Systems(host.URI) {
		names[sys.Name] = true
	}
	s.True(names["web-0"])
	s.True(names["web-2"])
}
