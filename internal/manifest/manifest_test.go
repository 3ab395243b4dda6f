package manifest

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fnvmrun/fnvm/internal/secrets"
	"github.com/fnvmrun/fnvm/internal/wire"
)

func writeManifest(t *testing.T, dir string, entries string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(entries), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestResolve_CodePathPlain(t *testing.T) {
	dir := t.TempDir()
	codePath := filepath.Join(dir, "handler.py")
	if err := os.WriteFile(codePath, []byte("print('hi')"), 0644); err != nil {
		t.Fatal(err)
	}

	manifestJSON := `[{
		"vm_hash": "deadbeef",
		"hostname": "fn-deadbeef",
		"code_path": "` + filepath.ToSlash(codePath) + `",
		"encoding": "plain",
		"entrypoint": "main",
		"interface": "executable",
		"memory_mb": 256,
		"vcpus": 2,
		"keep_alive_seconds": 30
	}]`
	path := writeManifest(t, dir, manifestJSON)

	m, err := Load(path, nil, nil, "/rootfs.img", 5*time.Minute)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg, program, keepAlive, err := m.Resolve("deadbeef")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.MemoryMB != 256 || cfg.VCPUs != 2 {
		t.Fatalf("unexpected vm config: %+v", cfg)
	}
	if program.Program.Encoding != wire.EncodingPlain {
		t.Fatalf("expected plain encoding, got %s", program.Program.Encoding)
	}
	if string(program.Program.Code) != "print('hi')" {
		t.Fatalf("unexpected code: %s", program.Program.Code)
	}
	if keepAlive != 30*time.Second {
		t.Fatalf("expected 30s keep-alive, got %s", keepAlive)
	}
}

func TestResolve_UnknownHash(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `[]`)

	m, err := Load(path, nil, nil, "/rootfs.img", time.Minute)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, _, _, err := m.Resolve("missing"); err == nil {
		t.Fatal("expected error for unknown vm_hash")
	}
}

func TestResolve_DefaultKeepAliveWhenUnset(t *testing.T) {
	dir := t.TempDir()
	codePath := filepath.Join(dir, "handler.py")
	os.WriteFile(codePath, []byte("x"), 0644)

	manifestJSON := `[{"vm_hash": "abc", "code_path": "` + filepath.ToSlash(codePath) + `", "encoding": "plain", "interface": "executable"}]`
	path := writeManifest(t, dir, manifestJSON)

	m, err := Load(path, nil, nil, "/rootfs.img", 90*time.Second)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, _, keepAlive, err := m.Resolve("abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if keepAlive != 90*time.Second {
		t.Fatalf("expected default keep-alive of 90s, got %s", keepAlive)
	}
}

func TestResolve_DecryptsEncryptedEnv(t *testing.T) {
	dir := t.TempDir()
	store, err := secrets.NewStore(filepath.Join(dir, "master.key"))
	if err != nil {
		t.Fatal(err)
	}

	encrypted, err := store.EncryptEnv(map[string]string{"API_KEY": "shh"})
	if err != nil {
		t.Fatal(err)
	}
	hexEnv := make(map[string][]byte, len(encrypted))
	for k, v := range encrypted {
		hexEnv[k] = v
	}

	codePath := filepath.Join(dir, "handler.py")
	os.WriteFile(codePath, []byte("x"), 0644)

	manifestJSON := `[{
		"vm_hash": "sec1",
		"code_path": "` + filepath.ToSlash(codePath) + `",
		"encoding": "plain",
		"interface": "executable",
		"encrypted_env": {"API_KEY": "` + hex.EncodeToString(hexEnv["API_KEY"]) + `"}
	}]`
	path := writeManifest(t, dir, manifestJSON)

	m, err := Load(path, nil, store, "/rootfs.img", time.Minute)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, program, _, err := m.Resolve("sec1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if program.Environment.Vars["API_KEY"] != "shh" {
		t.Fatalf("expected decrypted API_KEY, got %q", program.Environment.Vars["API_KEY"])
	}
}

func TestResolve_EncryptedEnvWithoutStoreErrors(t *testing.T) {
	dir := t.TempDir()
	codePath := filepath.Join(dir, "handler.py")
	os.WriteFile(codePath, []byte("x"), 0644)

	manifestJSON := `[{
		"vm_hash": "sec2",
		"code_path": "` + filepath.ToSlash(codePath) + `",
		"encoding": "plain",
		"interface": "executable",
		"encrypted_env": {"API_KEY": "deadbeef"}
	}]`
	path := writeManifest(t, dir, manifestJSON)

	m, err := Load(path, nil, nil, "/rootfs.img", time.Minute)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, _, _, err := m.Resolve("sec2"); err == nil {
		t.Fatal("expected error when encrypted_env set but no secrets store configured")
	}
}

func TestResolve_NeitherImageRefNorCodePathErrors(t *testing.T) {
	dir := t.TempDir()
	manifestJSON := `[{"vm_hash": "empty", "interface": "executable"}]`
	path := writeManifest(t, dir, manifestJSON)

	m, err := Load(path, nil, nil, "/rootfs.img", time.Minute)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, _, _, err := m.Resolve("empty"); err == nil {
		t.Fatal("expected error when neither image_ref nor code_path is set")
	}
}
