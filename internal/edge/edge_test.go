package edge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fnvmrun/fnvm/internal/pool"
	"github.com/fnvmrun/fnvm/internal/proxyreg"
	"github.com/fnvmrun/fnvm/internal/pubsub"
	"github.com/fnvmrun/fnvm/internal/vmm"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// fakeVMM answers every command frame with a canned wire.Response,
// echoing the request path back in the body so tests can assert routing
// reached the right hash without a real guest process.
type fakeVMM struct {
	nextNum uint64
}

func (f *fakeVMM) CreateVM(cfg vmm.VMConfig) (vmm.Handle, error) {
	f.nextNum++
	return vmm.Handle{ID: fmt.Sprintf("vm-%d", f.nextNum), Num: f.nextNum}, nil
}

func (f *fakeVMM) StartVM(ctx context.Context, h vmm.Handle) (vmm.ControlChannel, error) {
	c1, c2 := net.Pipe()
	go discard(c2)
	return vmm.NewNetControlChannel(c1), nil
}

func discard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func (f *fakeVMM) Configure(ctx context.Context, h vmm.Handle, ch vmm.ControlChannel, cfg wire.ConfigurationPayload) error {
	return nil
}

func (f *fakeVMM) StartGuestAPI(ctx context.Context, h vmm.Handle) error { return nil }

func (f *fakeVMM) OpenCommandConn(ctx context.Context, h vmm.Handle) (net.Conn, error) {
	c1, c2 := net.Pipe()
	go func() {
		defer c2.Close()
		frame, err := wire.ReadCommand(c2)
		if err != nil {
			return
		}
		var payload wire.RunCodePayload
		if err := wire.DecodeMsgpack(frame, &payload); err != nil {
			return
		}
		path, _ := payload.Scope["path"].(string)
		resp := wire.Response{
			Success: true,
			Headers: wire.ResponseHeaders{Status: http.StatusTeapot, Headers: map[string]string{"x-echo": "1"}},
			Body:    []byte("path=" + path),
		}
		reply, _ := wire.EncodeMsgpack(resp)
		c2.Write(reply)
	}()
	return c1, nil
}

func (f *fakeVMM) PauseVM(h vmm.Handle) error    { return nil }
func (f *fakeVMM) ResumeVM(h vmm.Handle) error   { return nil }
func (f *fakeVMM) TeardownVM(h vmm.Handle) error { return nil }
func (f *fakeVMM) Capabilities() vmm.BackendCaps { return vmm.BackendCaps{Name: "fake"} }

type fakeResolver struct{}

func (fakeResolver) Resolve(hash pool.VmHash) (vmm.VMConfig, wire.ConfigurationPayload, time.Duration, error) {
	return vmm.VMConfig{Rootfs: vmm.RootFS{Path: "/rootfs.img"}}, wire.ConfigurationPayload{VMHash: string(hash)}, time.Minute, nil
}

func TestServeHTTP_RoutesToHashAndReturnsBody(t *testing.T) {
	backend := &fakeVMM{}
	p := pool.New(backend, 0)
	e := New(p, backend, fakeResolver{}, pubsub.New(), "fn.local")

	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/deadbeef/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected guest-reported status 418, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("x-echo"); got != "1" {
		t.Fatalf("expected echoed header, got %q", got)
	}
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "path=/hello" {
		t.Fatalf("unexpected body: %q", buf[:n])
	}
}

func TestServeHTTP_RoutesByHostWhenPathHasNoHash(t *testing.T) {
	backend := &fakeVMM{}
	p := pool.New(backend, 0)
	e := New(p, backend, fakeResolver{}, pubsub.New(), "fn.local")

	srv := httptest.NewServer(e)
	defer srv.Close()

	host, err := proxyreg.Hostname("deadbeef")
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/hello", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = host + ".fn.local"

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected guest-reported status 418, got %d", resp.StatusCode)
	}
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "path=/hello" {
		t.Fatalf("unexpected body: %q", buf[:n])
	}
}

func TestServeHTTP_MissingHashIsBadRequest(t *testing.T) {
	backend := &fakeVMM{}
	p := pool.New(backend, 0)
	e := New(p, backend, fakeResolver{}, pubsub.New(), "fn.local")

	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRegisterEventRoute_InvokesOnPublish(t *testing.T) {
	backend := &fakeVMM{}
	p := pool.New(backend, 0)
	bus := pubsub.New()
	e := New(p, backend, fakeResolver{}, bus, "fn.local")

	cancel := e.RegisterEventRoute("topic-a", "deadbeef")
	defer cancel()

	// No assertion beyond "does not panic or deadlock": the invocation
	// runs asynchronously and fire-and-forget by design.
	e.Publish("topic-a", []byte("hi"))
	time.Sleep(50 * time.Millisecond)
}
