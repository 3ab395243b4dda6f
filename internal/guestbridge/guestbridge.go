// Package guestbridge is the guest-side per-connection request handler:
// it accepts one command per connection (halt, a "!"-prefixed shell
// command, or a RunCodePayload) and dispatches RunCodePayloads to either
// the ASGI or executable invocation path, based on the interface captured
// from the boot ConfigurationPayload.
//
// Grounded on runtimes/aleph-alpine-3.13-python/init1.py's
// process_command / run_python_code_http / run_executable_http, with the
// dispatch the original leaves commented out restored: which invocation
// path runs is no longer hardcoded, it is selected by the program's
// declared interface.
package guestbridge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fnvmrun/fnvm/internal/codeloader"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// ASGIApp is the Go-native stand-in for a duck-typed ASGI application: a
// program built with the asgi interface is compiled together with a type
// satisfying this interface at image-build time, and Register'd under the
// name the ConfigurationPayload's entrypoint names.
type ASGIApp interface {
	// Handle receives the request scope and body and returns the status,
	// headers, and body an ASGI app would push through send(), draining
	// exactly two messages (response-start then body) the way the
	// original does.
	Handle(ctx context.Context, scope map[string]any, body []byte) (status int, headers map[string]string, respBody []byte, err error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]ASGIApp{}
)

// Register associates an ASGIApp with an entrypoint name so Bridge can
// find it after codeloader.Load resolves a program's Entrypoint.
func Register(entrypoint string, app ASGIApp) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[entrypoint] = app
}

func lookup(entrypoint string) (ASGIApp, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	app, ok := registry[entrypoint]
	return app, ok
}

// executableRetryDelay and executableMaxAttempts match the original's
// aiohttp retry loop: 50ms between attempts, give up after 20.
const (
	executableRetryDelay   = 50 * time.Millisecond
	executableMaxAttempts  = 20
	executableListenAddr   = "localhost:8080"
)

// Bridge dispatches RunCodePayloads for one booted program.
type Bridge struct {
	program  wire.ProgramContent
	loaded   codeloader.Loaded
	execCmd  *exec.Cmd
	httpClient *http.Client
}

// New starts whatever background process the program's interface needs
// (none for ASGI; the executable binary itself, for executable) and
// returns a Bridge ready to serve RunCodePayloads.
func New(program wire.ProgramContent, loaded codeloader.Loaded) (*Bridge, error) {
	b := &Bridge{
		program: program,
		loaded:  loaded,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if program.Interface == wire.InterfaceExecutable {
		cmd := exec.Command(loaded.ExecutablePath)
		cmd.Dir = loaded.Dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "PORT=8080")
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("guestbridge: start executable: %w", err)
		}
		b.execCmd = cmd
	}
	return b, nil
}

// Close stops any background process the bridge started.
func (b *Bridge) Close() error {
	if b.execCmd != nil && b.execCmd.Process != nil {
		return b.execCmd.Process.Kill()
	}
	return nil
}

// Serve accepts exactly one command frame from conn, processes it, writes
// the result, and closes the connection — the per-connection, single-shot
// framing the original's main() accept loop uses.
func (b *Bridge) Serve(conn net.Conn) {
	defer conn.Close()

	frame, err := wire.ReadCommand(conn)
	if err != nil {
		return
	}

	reply, halt := b.ProcessCommand(frame)
	if len(reply) > 0 {
		conn.Write(reply)
	}
	if halt {
		syscall.Sync()
		os.Exit(0)
	}
}

// ProcessCommand interprets a single command frame: "halt" stops the
// guest, a "!"-prefixed command runs as a shell command, anything else is
// msgpack-decoded as a RunCodePayload and dispatched to the program's
// invocation path.
func (b *Bridge) ProcessCommand(frame []byte) (reply []byte, halt bool) {
	if string(frame) == "halt" {
		return []byte("STOP\n"), true
	}

	if len(frame) > 0 && frame[0] == '!' {
		out, err := exec.Command("/bin/sh", "-c", string(frame[1:])).CombinedOutput()
		if err != nil {
			return append([]byte(err.Error()+"\n"), out...), false
		}
		return out, false
	}

	var payload wire.RunCodePayload
	if err := wire.DecodeMsgpack(frame, &payload); err != nil {
		resp := wire.Response{Success: false, Error: "decode", Traceback: err.Error()}
		data, _ := wire.EncodeMsgpack(resp)
		return data, false
	}

	resp := b.invoke(payload)
	data, err := wire.EncodeMsgpack(resp)
	if err != nil {
		errResp := wire.Response{Success: false, Error: "encode", Traceback: err.Error()}
		data, _ = wire.EncodeMsgpack(errResp)
	}
	return data, false
}

func (b *Bridge) invoke(payload wire.RunCodePayload) wire.Response {
	switch b.program.Interface {
	case wire.InterfaceASGI:
		return b.invokeASGI(payload)
	case wire.InterfaceExecutable:
		return b.invokeExecutable(payload)
	default:
		return wire.Response{Success: false, Error: fmt.Sprintf("unknown interface %q", b.program.Interface)}
	}
}

// invokeASGI calls the registered ASGIApp, capturing anything it writes to
// stdout the way the original redirects sys.stdout into a StringIO, and
// bundling /data into output_data if the app left anything there.
func (b *Bridge) invokeASGI(payload wire.RunCodePayload) wire.Response {
	app, ok := lookup(b.loaded.Entrypoint)
	if !ok {
		return wire.Response{Success: false, Error: fmt.Sprintf("no ASGI app registered for entrypoint %q", b.loaded.Entrypoint)}
	}

	restore, err := captureStdout()
	if err != nil {
		return wire.Response{Success: false, Error: "capture stdout", Traceback: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, headers, body, err := app.Handle(ctx, payload.Scope, payload.Body)
	output := restore()

	if err != nil {
		return wire.Response{Success: false, Error: "handler error", Traceback: err.Error(), Output: output}
	}

	outputData, zerr := zipDataDir()
	if zerr != nil {
		return wire.Response{Success: false, Error: "zip output data", Traceback: zerr.Error(), Output: output}
	}

	return wire.Response{
		Success:    true,
		Headers:    wire.ResponseHeaders{Status: status, Headers: headers},
		Body:       body,
		Output:     output,
		OutputData: outputData,
	}
}

// invokeExecutable forwards the request to the executable's HTTP server,
// retrying on connection refused with the same cadence as the original:
// 50ms between tries, give up after 20 attempts. Method, query string, and
// headers are taken from the scope the way the original's make_request
// builds its aiohttp call from scope["method"]/params/scope['headers'].
func (b *Bridge) invokeExecutable(payload wire.RunCodePayload) wire.Response {
	path, _ := payload.Scope["path"].(string)
	if path == "" {
		path = "/"
	}
	method, _ := payload.Scope["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url := "http://" + executableListenAddr + path
	if qs, _ := payload.Scope["query_string"].(string); qs != "" {
		url += "?" + qs
	}

	var lastErr error
	for attempt := 0; attempt < executableMaxAttempts; attempt++ {
		req, err := http.NewRequest(method, url, bytes.NewReader(payload.Body))
		if err != nil {
			return wire.Response{Success: false, Error: "build request", Traceback: err.Error()}
		}
		for k, v := range scopeHeaders(payload.Scope) {
			req.Header.Set(k, v)
		}
		resp, err := b.httpClient.Do(req)
		if err == nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return wire.Response{Success: false, Error: "read response", Traceback: readErr.Error()}
			}
			headers := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				headers[k] = resp.Header.Get(k)
			}
			return wire.Response{
				Success: true,
				Headers: wire.ResponseHeaders{Status: resp.StatusCode, Headers: headers},
				Body:    body,
			}
		}
		lastErr = err
		if !isConnRefused(err) {
			break
		}
		time.Sleep(executableRetryDelay)
	}
	return wire.Response{Success: false, Error: "executable unreachable", Traceback: lastErr.Error()}
}

// scopeHeaders extracts scope["headers"] (a map of header name to value,
// decoded off the wire as map[string]any) into a plain string map.
func scopeHeaders(scope map[string]any) map[string]string {
	raw, _ := scope["headers"].(map[string]any)
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused")
}

// captureStdout redirects os.Stdout to a pipe for the duration of an ASGI
// call, mirroring the original's redirect_stdout(StringIO()). restore
// must be called exactly once; it restores os.Stdout and returns whatever
// was written.
func captureStdout() (func() []byte, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	orig := os.Stdout
	os.Stdout = w

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	restore := func() []byte {
		os.Stdout = orig
		w.Close()
		data := <-done
		r.Close()
		return data
	}
	return restore, nil
}

// zipDataDir bundles /data into a zip archive if it exists and is
// non-empty, matching the original's make_archive("/opt/output", "zip",
// "/data") / empty-bytes fallback.
func zipDataDir() ([]byte, error) {
	entries, err := os.ReadDir("/data")
	if err != nil || len(entries) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err = filepath.Walk("/data", func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel("/data", path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
