package morag_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistifyio/morag"
	"github.com/stretchr/testify/suite"
)

type HTTPDriverTestSuite struct {
	suite.Suite
}

func TestHTTPDriverTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPDriverTestSuite))
}

func (s *HTTPDriverTestSuite) driver(handler http.Handler) (morag.Driver, *httptest.Server) {
	server := httptest.NewServer(handler)
	d, err := morag.NewHTTPDriver(server.URL)
	s.Require().NoError(err)
	return d, server
}

func (s *HTTPDriverTestSuite) TestGetSystem() {
	expected := morag.System{ID: "vm0", Name: "vm0", State: morag.SystemStateRunning, VCPUs: 2, MemoryMiB: 4096}
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("GET", r.Method)
		s.Equal("/systems/vm0", r.URL.Path)
		_ = json.NewEncoder(w).Encode(expected)
	}))
	defer server.Close()

	sys, err := d.GetSystem("vm0")
	s.Require().NoError(err)
	s.Equal(expected, *sys)
}

func (s *HTTPDriverTestSuite) TestDefineSystem() {
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("POST", r.Method)
		s.Equal("/systems", r.URL.Path)
		s.Equal("application/json", r.Header.Get("Content-Type"))

		var config morag.SystemConfig
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&config))
		s.Equal("vm0", config.Name)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(morag.System{
			ID:        config.Name,
			Name:      config.Name,
			State:     morag.SystemStateShutOff,
			VCPUs:     config.VCPUs,
			MemoryMiB: config.MemoryMiB,
		})
	}))
	defer server.Close()

	sys, err := d.DefineSystem(morag.SystemConfig{Name: "vm0", VCPUs: 2, MemoryMiB: 4096})
	s.Require().NoError(err)
	s.Equal(morag.SystemStateShutOff, sys.State)
}

func (s *HTTPDriverTestSuite) TestPower() {
	var gotState string
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/systems/vm0/power", r.URL.Path)
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		gotState = in["state"]
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s.NoError(d.PowerOn("vm0"))
	s.Equal("on", gotState)
	s.NoError(d.PowerOff("vm0"))
	s.Equal("off", gotState)
}

func (s *HTTPDriverTestSuite) TestNotSupported() {
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer server.Close()

	err := d.CreateVolume("web0-root", 20, false)
	s.Equal(morag.ErrNotSupported, err)
}

func (s *HTTPDriverTestSuite) TestUnexpectedStatus() {
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := d.ListSystems()
	s.Error(err)
	s.Contains(err.Error(), "unexpected HTTP response code")
}

func (s *HTTPDriverTestSuite) TestPing() {
	d, server := s.driver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s.NoError(d.Ping())
	s.NoError(d.Close())
}

func (s *HTTPDriverTestSuite) TestPingUnreachable() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	d, err := morag.NewHTTPDriver(server.URL)
	s.Require().NoError(err)
	server.Close()

	s.Error(d.Ping())
}
