package morag_test

import (
	"sync"
	"testing"

	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/internal/tests/common"
	"github.com/stretchr/testify/suite"
)

type PlacementTestSuite struct {
	common.Suite
}

func TestPlacementTestSuite(t *testing.T) {
	suite.Run(t, new(PlacementTestSuite))
}

func (s *PlacementTestSuite) TestValidate() {
	tests := []struct {
		description string
		request     *morag.PlacementRequest
		expectedErr bool
	}{
		{"zero vcpus", &morag.PlacementRequest{MemoryMiB: 1024}, true},
		{"zero memory", &morag.PlacementRequest{VCPUs: 1}, true},
		{"valid", &morag.PlacementRequest{VCPUs: 1, MemoryMiB: 1024}, false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		err := test.request.Validate()
		if test.expectedErr {
			s.Error(err, msg("should fail"))
		} else {
			s.NoError(err, msg("should succeed"))
		}
	}
}

func (s *PlacementTestSuite) TestCandidatesSpread() {
	h1 := s.NewHost("hv01", "http://hv01:19999", 8, 16384)
	h2 := s.NewHost("hv02", "http://hv02:19999", 4, 8192)

	// both empty, the larger host wins only through the id tie-break
	expected := h1.ID
	if h2.ID < h1.ID {
		expected = h2.ID
	}
	hosts, err := s.Context.Candidates(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)
	s.Len(hosts, 2)
	s.Equal(expected, hosts[0].ID)

	// loading the first choice flips the order
	s.Require().NoError(hosts[0].UpdateAllocation(2, 4096))
	s.Require().NoError(hosts[0].Save())

	hosts, err = s.Context.Candidates(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)
	s.NotEqual(expected, hosts[0].ID)
}

func (s *PlacementTestSuite) TestCandidatesFilters() {
	s.NewHost("hv01", "http://hv01:19999", 8, 16384)
	down := s.NewHost("hv02", "http://hv02:19999", 8, 16384)
	s.Require().NoError(down.SetMaintenance(true))

	s.NewHost("hv03", "http://hv03:19999", 1, 512)

	labeled := s.NewHost("hv04", "http://hv04:19999", 8, 16384)
	labeled.Labels["zone"] = "b"
	s.Require().NoError(labeled.Save())

	hosts, err := s.Context.Candidates(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)
	s.Len(hosts, 2, "maintenance and undersized hosts should be filtered")

	hosts, err = s.Context.Candidates(&morag.PlacementRequest{
		VCPUs:          2,
		MemoryMiB:      4096,
		RequiredLabels: map[string]string{"zone": "b"},
	})
	s.Require().NoError(err)
	s.Len(hosts, 1)
	s.Equal(labeled.ID, hosts[0].ID)

	_, err = s.Context.Candidates(&morag.PlacementRequest{
		VCPUs:          2,
		MemoryMiB:      4096,
		RequiredLabels: map[string]string{"zone": "z"},
	})
	s.Equal(morag.ErrNoCandidates, err)
}

func (s *PlacementTestSuite) TestSchedulePlacement() {
	h := s.NewHost("hv01", "http://hv01:19999", 4, 8192)

	chosen, err := s.Context.SchedulePlacement(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)
	s.Equal(h.ID, chosen.ID)

	stored, err := s.Context.Host(h.ID)
	s.Require().NoError(err)
	s.Equal(morag.Resources{VCPUs: 2, MemoryMiB: 4096}, stored.Allocated)

	// a second reservation fills the host
	_, err = s.Context.SchedulePlacement(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)

	// and a third has nowhere to go
	_, err = s.Context.SchedulePlacement(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Equal(morag.ErrNoCandidates, err)
}

func (s *PlacementTestSuite) TestConcurrentPlacements() {
	h := s.NewHost("hv01", "http://hv01:19999", 8, 16384)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Context.SchedulePlacement(&morag.PlacementRequest{VCPUs: 1, MemoryMiB: 2048})
		}(i)
	}
	wg.Wait()

	placed := 0
	for _, err := range errs {
		if err == nil {
			placed++
		} else {
			s.Equal(morag.ErrNoCandidates, err)
		}
	}
	s.Equal(8, placed, "reservations should never exceed capacity")

	stored, err := s.Context.Host(h.ID)
	s.Require().NoError(err)
	s.Equal(uint32(8), stored.Allocated.VCPUs)
}

func (s *PlacementTestSuite) TestReleasePlacement() {
	h := s.NewHost("hv01", "http://hv01:19999", 4, 8192)

	_, err := s.Context.SchedulePlacement(&morag.PlacementRequest{VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)

	s.NoError(s.Context.ReleasePlacement(h.ID, 2, 4096))
	stored, err := s.Context.Host(h.ID)
	s.Require().NoError(err)
	s.Equal(morag.Resources{}, stored.Allocated)

	// double release clamps at zero rather than underflowing
	s.NoError(s.Context.ReleasePlacement(h.ID, 2, 4096))
	s.Require().NoError(stored.Refresh())
	s.Equal(morag.Resources{}, stored.Allocated)
}
