// Package edge is C8's external HTTP surface: run_code_on_request fronts
// the pool with a small net/http server, and run_code_on_event fans
// published events out to registered VmHashes through the same
// invocation path.
//
// Requests route to a VmHash through the pool, cold-starting it on a
// miss, then exchange exactly one wire frame over the backend's
// command connection.
package edge

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fnvmrun/fnvm/internal/pool"
	"github.com/fnvmrun/fnvm/internal/proxyreg"
	"github.com/fnvmrun/fnvm/internal/pubsub"
	"github.com/fnvmrun/fnvm/internal/vmm"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// Resolver looks up how to boot the program behind a VmHash. It is the
// seam between the edge and whatever durably describes programs (C9's
// registry, a config file, etc.) — the edge itself has no opinion on
// where that data lives.
type Resolver interface {
	Resolve(hash pool.VmHash) (vmm.VMConfig, wire.ConfigurationPayload, time.Duration, error)
}

// Edge is the HTTP front end for run_code_on_request and the in-process
// dispatcher for run_code_on_event.
type Edge struct {
	pool       *pool.Pool
	backend    vmm.VMM
	resolver   Resolver
	bus        *pubsub.Bus
	parentZone string

	commandTimeout time.Duration
}

// New returns an Edge that cold-starts programs through p/backend as
// resolved by r, and fans events out through bus. parentZone is the
// domain C7's registrar appends to a VmHash's base32 hostname; ServeHTTP
// uses it to recover the hash from a Caddy-proxied request's Host header,
// trying the Host before the path (pass "" to disable Host-based routing
// and require path-based routing only).
func New(p *pool.Pool, backend vmm.VMM, r Resolver, bus *pubsub.Bus, parentZone string) *Edge {
	return &Edge{
		pool:           p,
		backend:        backend,
		resolver:       r,
		bus:            bus,
		parentZone:     parentZone,
		commandTimeout: 30 * time.Second,
	}
}

// ServeHTTP implements run_code_on_request. A direct request addresses the
// VmHash as its first path segment; a request proxied in by Caddy off a
// public "<hash-as-base32>.<parentZone>" hostname carries no such segment,
// so when the Host header is under parentZone the hash is recovered from it
// and the full path is passed through unchanged; otherwise the first path
// segment is taken as the hash.
func (e *Edge) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var hash, rest string
	var ok bool
	if e.parentZone != "" {
		if h, found := proxyreg.VmHashFromHost(req.Host, e.parentZone); found {
			hash, rest, ok = h, req.URL.Path, true
		}
	}
	if !ok {
		hash, rest, ok = splitHashPath(req.URL.Path)
	}
	if !ok {
		http.Error(w, "missing vm hash in path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 32<<20))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	scope := map[string]any{
		"method":       req.Method,
		"path":         rest,
		"query_string": req.URL.RawQuery,
	}
	headers := make(map[string]any, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	scope["headers"] = headers

	payload := wire.RunCodePayload{
		Scope:   scope,
		Body:    body,
		Session: uuid.NewString(),
	}

	resp, err := e.invoke(req.Context(), pool.VmHash(hash), payload)
	if err != nil {
		log.Printf("edge: invoke %s: %v", hash, err)
		w.Header().Set("Retry-After", "3")
		http.Error(w, fmt.Sprintf("service unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	if !resp.Success {
		log.Printf("edge: %s reported failure: %s\n%s", hash, resp.Error, resp.Traceback)
		http.Error(w, resp.Error, http.StatusBadGateway)
		return
	}

	for k, v := range resp.Headers.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Headers.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

// RegisterEventRoute implements run_code_on_event: every event published
// on topic invokes hash's program with the event body, fire-and-forget.
// It returns a cancel function that stops the subscription.
func (e *Edge) RegisterEventRoute(topic string, hash pool.VmHash) func() {
	events, cancel := e.bus.Subscribe(topic)
	go func() {
		for ev := range events {
			payload := wire.RunCodePayload{
				Scope:   map[string]any{"topic": ev.Topic},
				Body:    ev.Body,
				Session: uuid.NewString(),
			}
			ctx, done := context.WithTimeout(context.Background(), e.commandTimeout)
			resp, err := e.invoke(ctx, hash, payload)
			done()
			if err != nil {
				log.Printf("edge: event %s -> %s: %v", topic, hash, err)
				continue
			}
			if !resp.Success {
				log.Printf("edge: event %s -> %s reported failure: %s", topic, hash, resp.Error)
			}
		}
	}()
	return cancel
}

// Publish is a thin pass-through to the underlying event bus, exposed so
// callers don't need to reach into Edge's internals to publish.
func (e *Edge) Publish(topic string, body []byte) {
	e.bus.Publish(topic, body)
}

// invoke cold-starts or reuses hash's VM, then exchanges exactly one
// command frame over a fresh per-request connection.
func (e *Edge) invoke(ctx context.Context, hash pool.VmHash, payload wire.RunCodePayload) (wire.Response, error) {
	cfg, program, timeout, err := e.resolver.Resolve(hash)
	if err != nil {
		return wire.Response{}, fmt.Errorf("edge: resolve %s: %w", hash, err)
	}

	h, err := e.pool.GetOrCreate(ctx, hash, cfg, program, timeout)
	if err != nil {
		return wire.Response{}, fmt.Errorf("edge: get or create %s: %w", hash, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()
	conn, err := e.backend.OpenCommandConn(connCtx, h)
	if err != nil {
		return wire.Response{}, fmt.Errorf("edge: open command conn for %s: %w", hash, err)
	}
	defer conn.Close()

	if deadline, ok := connCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	frame, err := wire.EncodeMsgpack(payload)
	if err != nil {
		return wire.Response{}, fmt.Errorf("edge: encode payload: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return wire.Response{}, fmt.Errorf("edge: write command: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	reply, err := wire.ReadCommand(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("edge: read response: %w", err)
	}

	var resp wire.Response
	if err := wire.DecodeMsgpack(reply, &resp); err != nil {
		return wire.Response{}, fmt.Errorf("edge: decode response: %w", err)
	}
	return resp, nil
}

// splitHashPath pulls the leading path segment off as a VmHash and
// returns the remainder (always leading with "/") as the guest-visible
// path.
func splitHashPath(path string) (hash, rest string, ok bool) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", false
	}
	path = path[1:]
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i:], path[:i] != ""
		}
	}
	if path == "" {
		return "", "", false
	}
	return path, "/", true
}
