package codeloader

import (
	"archive/zip"
	"bytes"
	"os"
	"testing"

	"github.com/fnvmrun/fnvm/internal/wire"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestLoad_ExecutablePlain(t *testing.T) {
	t.Cleanup(func() { os.Remove(executablePath) })

	loaded, err := Load(wire.ProgramContent{
		Interface: wire.InterfaceExecutable,
		Encoding:  wire.EncodingPlain,
		Code:      []byte("#!/bin/sh\necho hi\n"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ExecutablePath != executablePath {
		t.Fatalf("unexpected executable path: %s", loaded.ExecutablePath)
	}
	info, err := os.Stat(executablePath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0111 == 0 {
		t.Fatal("expected executable bit set")
	}
}

func TestLoad_ASGIPlainUnsupported(t *testing.T) {
	_, err := Load(wire.ProgramContent{
		Interface: wire.InterfaceASGI,
		Encoding:  wire.EncodingPlain,
	})
	if err != ErrPlainASGIUnsupported {
		t.Fatalf("expected ErrPlainASGIUnsupported, got %v", err)
	}
}

func TestLoad_ExecutableZip(t *testing.T) {
	t.Cleanup(func() { os.RemoveAll(codeDir) })

	data := makeZip(t, map[string]string{"run.sh": "#!/bin/sh\necho hi\n"})
	loaded, err := Load(wire.ProgramContent{
		Interface:  wire.InterfaceExecutable,
		Encoding:   wire.EncodingZip,
		Entrypoint: "run.sh",
		Code:       data,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(loaded.ExecutablePath); err != nil {
		t.Fatalf("expected extracted entrypoint to exist: %v", err)
	}
}

func TestLoad_UnknownInterface(t *testing.T) {
	_, err := Load(wire.ProgramContent{Interface: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown interface")
	}
}
