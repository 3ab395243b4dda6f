// Package proxyreg registers and unregisters public hostnames for running
// VMs against a Caddy-compatible reverse proxy admin API.
//
// Grounded on vm_supervisor.proxy.caddy.CaddyProxy: the hostname for a
// VmHash is base32(hex-decoded(hash)) lowercased with '=' padding
// stripped, and each route is addressed by the idempotent id
// "subroute-<hash>" so re-registering the same hash updates rather than
// duplicates a route.
package proxyreg

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Registrar is the interface for publishing and retracting a VM's public
// endpoint; fnvmd calls CaddyClient's implementation from the pool's
// state-change hook. A fake implementing this is enough to
// test pool/edge wiring without a real Caddy instance running.
type Registrar interface {
	Register(ctx context.Context, vmHash, upstream string) (host string, err error)
	Unregister(ctx context.Context, vmHash string) error
}

// Hostname derives the public hostname fragment for a VmHash: the hash's
// hex bytes re-encoded as lowercase, unpadded base32.
func Hostname(vmHash string) (string, error) {
	raw, err := hex.DecodeString(strings.ToLower(vmHash))
	if err != nil {
		return "", fmt.Errorf("proxyreg: vm_hash is not valid hex: %w", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(raw)), nil
}

func routeID(vmHash string) string {
	return "subroute-" + vmHash
}

// VmHashFromHost recovers the VmHash encoded in a request's Host header by
// reversing Hostname: it strips parentZone, base32-decodes the leading
// label, and re-hex-encodes the result. Used by C8's edge to resolve a
// publicly proxied request (Host-routed by Caddy) the same way it resolves
// a directly-addressed one (path-routed).
func VmHashFromHost(host, parentZone string) (string, bool) {
	host = strings.ToLower(strings.SplitN(host, ":", 2)[0])
	suffix := "." + strings.ToLower(parentZone)
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	raw, err := enc.DecodeString(strings.ToUpper(label))
	if err != nil {
		return "", false
	}
	return hex.EncodeToString(raw), true
}

// CaddyClient talks to a Caddy admin API to add/remove reverse-proxy
// routes for VM hostnames.
type CaddyClient struct {
	adminURL   string
	parentZone string
	client     *http.Client
}

// NewCaddyClient returns a client for the Caddy admin API at adminURL
// (e.g. "http://127.0.0.1:2019"). parentZone is appended to the derived
// base32 hostname to form the full Host header Caddy matches on, e.g.
// "<hash>.fn.example.com".
func NewCaddyClient(adminURL, parentZone string) *CaddyClient {
	return &CaddyClient{
		adminURL:   strings.TrimRight(adminURL, "/"),
		parentZone: parentZone,
		client:     &http.Client{},
	}
}

type caddyRoute struct {
	ID      string            `json:"@id"`
	Match   []caddyMatch      `json:"match"`
	Handle  []caddyHandle     `json:"handle"`
	Terminal bool             `json:"terminal"`
}

type caddyMatch struct {
	Host []string `json:"host"`
}

type caddyHandle struct {
	Handler   string          `json:"handler"`
	Routes    []caddySubroute `json:"routes,omitempty"`
}

type caddySubroute struct {
	Handle []caddyProxyHandle `json:"handle"`
}

type caddyProxyHandle struct {
	Handler   string             `json:"handler"`
	Headers   *caddyHeaderUp     `json:"headers,omitempty"`
	Upstreams []caddyUpstream    `json:"upstreams"`
}

type caddyHeaderUp struct {
	Request *caddyHeaderSet `json:"request,omitempty"`
}

type caddyHeaderSet struct {
	Set map[string][]string `json:"set,omitempty"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

// Register installs (or replaces, by @id) a route sending traffic for the
// VM's derived hostname to upstream ("host:port").
func (c *CaddyClient) Register(ctx context.Context, vmHash, upstream string) (string, error) {
	host, err := Hostname(vmHash)
	if err != nil {
		return "", err
	}
	fqdn := host
	if c.parentZone != "" {
		fqdn = host + "." + c.parentZone
	}

	route := caddyRoute{
		ID:    routeID(vmHash),
		Match: []caddyMatch{{Host: []string{fqdn}}},
		Handle: []caddyHandle{{
			Handler: "subroute",
			Routes: []caddySubroute{{
				Handle: []caddyProxyHandle{{
					Handler: "reverse_proxy",
					Headers: &caddyHeaderUp{Request: &caddyHeaderSet{
						Set: map[string][]string{"Host": {"{http.request.host}"}},
					}},
					Upstreams: []caddyUpstream{{Dial: upstream}},
				}},
			}},
		}},
		Terminal: true,
	}

	body, err := json.Marshal(route)
	if err != nil {
		return "", fmt.Errorf("proxyreg: marshal route: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.adminURL+"/config/apps/http/servers/srv0/routes/0", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("proxyreg: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxyreg: register %s: %w", fqdn, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("proxyreg: register %s: caddy returned %d: %s", fqdn, resp.StatusCode, b)
	}
	return fqdn, nil
}

// Unregister removes the route previously installed by Register, by @id.
// Unregistering an unknown hash is not an error — the route may already
// be gone (VM torn down twice, or never actually registered).
func (c *CaddyClient) Unregister(ctx context.Context, vmHash string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.adminURL+"/id/"+routeID(vmHash), nil)
	if err != nil {
		return fmt.Errorf("proxyreg: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxyreg: unregister %s: %w", vmHash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proxyreg: unregister %s: caddy returned %d: %s", vmHash, resp.StatusCode, b)
	}
	return nil
}
