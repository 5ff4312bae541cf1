package morag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	logx "github.com/mistifyio/mistify-logrus-ext"
	log "github.com/Sirupsen/logrus"
)

// HTTPDriver is a Driver that talks to a hypervisor agent over its REST API.
// The agent's internal representation of systems is opaque here.
type HTTPDriver struct {
	uri    string
	client *http.Client
}

// NewHTTPDriver returns a driver connection to the agent at uri. It satisfies
// DialFunc.
func NewHTTPDriver(uri string) (Driver, error) {
	if _, err := url.Parse(uri); err != nil {
		return nil, err
	}
	return &HTTPDriver{
		uri:    strings.TrimRight(uri, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// generateURL crafts the agent url out of known and supplied parts
func (d *HTTPDriver) generateURL(parts ...string) string {
	return d.uri + "/" + path.Join(parts...)
}

// request makes a request to the agent and decodes the response into out when
// given. A 501 from the agent maps to ErrNotSupported.
func (d *HTTPDriver) request(method, url string, expectedCode int, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer logx.LogReturnedErr(resp.Body.Close, log.Fields{
		"url": url,
	}, "unable to close response body")

	if resp.StatusCode == http.StatusNotImplemented {
		return ErrNotSupported
	}
	if resp.StatusCode != expectedCode {
		return fmt.Errorf("unexpected HTTP response code: expected %d, received %d", expectedCode, resp.StatusCode)
	}

	if out != nil {
		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return nil
}

// ListSystems returns every system on the endpoint
func (d *HTTPDriver) ListSystems() ([]System, error) {
	var systems []System
	err := d.request("GET", d.generateURL("systems"), http.StatusOK, nil, &systems)
	return systems, err
}

// GetSystem returns a single system
func (d *HTTPDriver) GetSystem(id string) (*System, error) {
	var sys System
	if err := d.request("GET", d.generateURL("systems", id), http.StatusOK, nil, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

// DefineSystem defines a new system on the endpoint
func (d *HTTPDriver) DefineSystem(config SystemConfig) (*System, error) {
	var sys System
	if err := d.request("POST", d.generateURL("systems"), http.StatusCreated, config, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

// UndefineSystem removes a system definition
func (d *HTTPDriver) UndefineSystem(id string) error {
	return d.request("DELETE", d.generateURL("systems", id), http.StatusNoContent, nil, nil)
}

func (d *HTTPDriver) power(id, state string) error {
	in := map[string]string{"state": state}
	return d.request("POST", d.generateURL("systems", id, "power"), http.StatusAccepted, in, nil)
}

// PowerOn starts a system
func (d *HTTPDriver) PowerOn(id string) error {
	return d.power(id, "on")
}

// PowerOff stops a system
func (d *HTTPDriver) PowerOff(id string) error {
	return d.power(id, "off")
}

// ResetSystem applies a reset action to a system
func (d *HTTPDriver) ResetSystem(id, resetType string) error {
	in := map[string]string{"type": resetType}
	return d.request("POST", d.generateURL("systems", id, "reset"), http.StatusAccepted, in, nil)
}

// SetBootOverride sets a one-shot or persistent boot target
func (d *HTTPDriver) SetBootOverride(id, target string, persist bool) error {
	in := map[string]interface{}{"target": target, "persist": persist}
	return d.request("POST", d.generateURL("systems", id, "boot"), http.StatusOK, in, nil)
}

// AttachISO inserts media into a system's virtual optical drive
func (d *HTTPDriver) AttachISO(id, isoPath string) error {
	in := map[string]string{"path": isoPath}
	return d.request("POST", d.generateURL("systems", id, "media"), http.StatusOK, in, nil)
}

// DetachISO ejects a system's media
func (d *HTTPDriver) DetachISO(id string) error {
	return d.request("DELETE", d.generateURL("systems", id, "media"), http.StatusNoContent, nil, nil)
}

// CreateSnapshot records a named snapshot of a system
func (d *HTTPDriver) CreateSnapshot(id, name string) error {
	in := map[string]string{"name": name}
	return d.request("POST", d.generateURL("systems", id, "snapshots"), http.StatusCreated, in, nil)
}

// RevertSnapshot reverts a system to a named snapshot
func (d *HTTPDriver) RevertSnapshot(id, name string) error {
	return d.request("POST", d.generateURL("systems", id, "snapshots", name, "revert"), http.StatusAccepted, nil, nil)
}

// DeleteSnapshot removes a named snapshot
func (d *HTTPDriver) DeleteSnapshot(id, name string) error {
	return d.request("DELETE", d.generateURL("systems", id, "snapshots", name), http.StatusNoContent, nil, nil)
}

// CreateVolume provisions a storage volume. Agents without the preferred
// provisioning tool respond 501, surfaced as ErrNotSupported.
func (d *HTTPDriver) CreateVolume(name string, sizeGiB uint64, sparse bool) error {
	in := map[string]interface{}{"name": name, "size_gib": sizeGiB, "sparse": sparse}
	return d.request("POST", d.generateURL("volumes"), http.StatusCreated, in, nil)
}

// DeleteVolume removes a storage volume
func (d *HTTPDriver) DeleteVolume(name string) error {
	return d.request("DELETE", d.generateURL("volumes", name), http.StatusNoContent, nil, nil)
}

// HasImage reports whether the endpoint already caches the image at url
func (d *HTTPDriver) HasImage(imageURL string) (bool, error) {
	var out struct {
		Cached bool `json:"cached"`
	}
	target := d.generateURL("images") + "?url=" + url.QueryEscape(imageURL)
	if err := d.request("GET", target, http.StatusOK, nil, &out); err != nil {
		return false, err
	}
	return out.Cached, nil
}

// FetchImage downloads the image at url into the endpoint's cache
func (d *HTTPDriver) FetchImage(imageURL string) error {
	in := map[string]string{"url": imageURL}
	return d.request("POST", d.generateURL("images"), http.StatusAccepted, in, nil)
}

// WriteSeed stores the guest customization seed for a system
func (d *HTTPDriver) WriteSeed(systemID string, data []byte) error {
	in := map[string]interface{}{"data": data}
	return d.request("PUT", d.generateURL("seeds", systemID), http.StatusOK, in, nil)
}

// RemoveSeed deletes a system's seed artifact
func (d *HTTPDriver) RemoveSeed(systemID string) error {
	return d.request("DELETE", d.generateURL("seeds", systemID), http.StatusNoContent, nil, nil)
}

// Migrate asks the agent to move a system to the endpoint at targetURI
func (d *HTTPDriver) Migrate(systemID, targetURI string, opts MigrateOptions) (*MigrateResult, error) {
	in := map[string]interface{}{"target_uri": targetURI, "options": opts}
	var result MigrateResult
	if err := d.request("POST", d.generateURL("systems", systemID, "migrate"), http.StatusOK, in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping verifies the agent is reachable
func (d *HTTPDriver) Ping() error {
	return d.request("GET", d.generateURL("health"), http.StatusOK, nil, nil)
}

// Close releases the connection
func (d *HTTPDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
