//go:build linux

package guestos

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fnvmrun/fnvm/internal/wire"
)

func TestSetHostname_EmptyIsNoop(t *testing.T) {
	if err := SetHostname(""); err != nil {
		t.Fatalf("empty hostname should be a no-op, got %v", err)
	}
}

func TestMountVolumes_MissingDeviceFails(t *testing.T) {
	dir := t.TempDir()
	err := MountVolumes([]wire.Volume{{
		Mount:  filepath.Join(dir, "code"),
		Device: filepath.Join(dir, "does-not-exist.img"),
	}})
	if err == nil {
		t.Fatal("expected error mounting a nonexistent device")
	}
}

func TestSetupInputData_ExtractsAndMarksIdempotent(t *testing.T) {
	dir := t.TempDir()
	oldData, oldMarker := chdirTestDataRoots(t, dir)
	defer restoreTestDataRoots(oldData, oldMarker)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("hello.txt")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	if err := SetupInputData(buf.Bytes()); err != nil {
		t.Fatalf("SetupInputData: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "data", "hello.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("unexpected content: %q", got)
	}

	// Second call is a no-op: removing the source dir shouldn't matter
	// once the marker file exists.
	os.RemoveAll(filepath.Join(dir, "data"))
	if err := SetupInputData(buf.Bytes()); err != nil {
		t.Fatalf("SetupInputData (idempotent call): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); !os.IsNotExist(err) {
		t.Fatal("expected second call to skip extraction")
	}
}

// chdirTestDataRoots points the package-level extraction target and marker
// path at dir for the duration of a test, since SetupInputData hardcodes
// /data and /opt/.input-data-extracted.
func chdirTestDataRoots(t *testing.T, dir string) (string, string) {
	t.Helper()
	oldData, oldMarker := dataRoot, inputDataMarker
	dataRoot = filepath.Join(dir, "data")
	inputDataMarker = filepath.Join(dir, "marker")
	return oldData, oldMarker
}

func restoreTestDataRoots(oldData, oldMarker string) {
	dataRoot, inputDataMarker = oldData, oldMarker
}

// TestSetupNetwork_SkipsSilentlyWithoutEth0 exercises the real netlink path
// for loopback (which every sandbox with a network namespace has) and
// confirms the eth0 step is skipped rather than erroring when cfg.IP is
// empty. It skips outright if the sandbox denies CAP_NET_ADMIN.
func TestSetupNetwork_SkipsSilentlyWithoutEth0(t *testing.T) {
	if err := SetupNetwork(wire.ConfigurationPayload{}); err != nil {
		t.Skipf("netlink unavailable in this environment: %v", err)
	}
}
