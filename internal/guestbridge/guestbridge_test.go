package guestbridge

import (
	"context"
	"testing"

	"github.com/fnvmrun/fnvm/internal/codeloader"
	"github.com/fnvmrun/fnvm/internal/wire"
)

type fakeASGIApp struct {
	status  int
	headers map[string]string
	body    []byte
	err     error
}

func (f *fakeASGIApp) Handle(ctx context.Context, scope map[string]any, body []byte) (int, map[string]string, []byte, error) {
	return f.status, f.headers, f.body, f.err
}

func TestProcessCommand_Halt(t *testing.T) {
	b := &Bridge{program: wire.ProgramContent{Interface: wire.InterfaceASGI}}
	reply, halt := b.ProcessCommand([]byte("halt"))
	if !halt {
		t.Fatal("expected halt=true")
	}
	if string(reply) != "STOP\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestProcessCommand_Shell(t *testing.T) {
	b := &Bridge{program: wire.ProgramContent{Interface: wire.InterfaceASGI}}
	reply, halt := b.ProcessCommand([]byte("!echo hello"))
	if halt {
		t.Fatal("expected halt=false")
	}
	if string(reply) != "hello\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestProcessCommand_ShellError(t *testing.T) {
	b := &Bridge{program: wire.ProgramContent{Interface: wire.InterfaceASGI}}
	reply, halt := b.ProcessCommand([]byte("!exit 1"))
	if halt {
		t.Fatal("expected halt=false")
	}
	if len(reply) == 0 {
		t.Fatal("expected non-empty error reply")
	}
}

func TestProcessCommand_RunCodeDispatchesToASGI(t *testing.T) {
	Register("myapp", &fakeASGIApp{status: 200, headers: map[string]string{"content-type": "text/plain"}, body: []byte("ok")})

	b := &Bridge{
		program: wire.ProgramContent{Interface: wire.InterfaceASGI},
		loaded:  codeloader.Loaded{Entrypoint: "myapp"},
	}

	payload := wire.RunCodePayload{Scope: map[string]any{"path": "/"}, Body: []byte("req")}
	frame, err := wire.EncodeMsgpack(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	reply, halt := b.ProcessCommand(frame)
	if halt {
		t.Fatal("expected halt=false")
	}

	var resp wire.Response
	if err := wire.DecodeMsgpack(reply, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error=%s traceback=%s", resp.Error, resp.Traceback)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if resp.Headers.Status != 200 {
		t.Fatalf("unexpected status: %d", resp.Headers.Status)
	}
	if resp.Headers.Headers["content-type"] != "text/plain" {
		t.Fatalf("unexpected headers: %v", resp.Headers.Headers)
	}
}

func TestProcessCommand_UnregisteredASGIApp(t *testing.T) {
	b := &Bridge{
		program: wire.ProgramContent{Interface: wire.InterfaceASGI},
		loaded:  codeloader.Loaded{Entrypoint: "does-not-exist"},
	}
	payload := wire.RunCodePayload{Body: []byte("x")}
	frame, _ := wire.EncodeMsgpack(payload)

	reply, _ := b.ProcessCommand(frame)
	var resp wire.Response
	if err := wire.DecodeMsgpack(reply, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unregistered app")
	}
}
