// Package codeloader materializes a program's code onto the guest
// filesystem according to its (Interface, Encoding) pair, grounded on
// init1.py's setup_code_asgi / setup_code_executable dispatch table.
package codeloader

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fnvmrun/fnvm/internal/wire"
)

// ErrPlainASGIUnsupported is returned for the one combination the original
// never actually implements correctly (a bare script exec'd in place to
// yield an ASGI-callable binding). Rather than replicate that, programs
// using asgi×plain are rejected at load time with a clear error.
var ErrPlainASGIUnsupported = errors.New("codeloader: asgi interface does not support plain encoding, use zip or squashfs")

const (
	codeDir        = "/opt/code"
	squashfsCodeDir = "/opt/code-ro"
	executablePath = "/opt/executable"
)

// Loaded describes where a program's code ended up and how to invoke it.
type Loaded struct {
	// Dir is the directory containing the program's code, for the ASGI
	// interface (the module named by Entrypoint is imported-equivalent
	// from here).
	Dir string
	// Entrypoint is the program's declared entrypoint (e.g. a module path
	// or a function name), passed through unchanged.
	Entrypoint string
	// ExecutablePath is the path to the executable, for the executable
	// interface.
	ExecutablePath string
}

// Load materializes program's code per its (Interface, Encoding) and
// returns how to invoke it.
func Load(program wire.ProgramContent) (Loaded, error) {
	switch program.Interface {
	case wire.InterfaceASGI:
		return loadASGI(program)
	case wire.InterfaceExecutable:
		return loadExecutable(program)
	default:
		return Loaded{}, fmt.Errorf("codeloader: unknown interface %q", program.Interface)
	}
}

func loadASGI(program wire.ProgramContent) (Loaded, error) {
	switch program.Encoding {
	case wire.EncodingZip:
		if err := extractZip(program.Code, codeDir); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: extract asgi zip: %w", err)
		}
		return Loaded{Dir: codeDir, Entrypoint: program.Entrypoint}, nil
	case wire.EncodingSquashfs:
		if _, err := os.Stat(squashfsCodeDir); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: asgi squashfs volume not mounted at %s: %w", squashfsCodeDir, err)
		}
		return Loaded{Dir: squashfsCodeDir, Entrypoint: program.Entrypoint}, nil
	case wire.EncodingPlain:
		return Loaded{}, ErrPlainASGIUnsupported
	default:
		return Loaded{}, fmt.Errorf("codeloader: unknown encoding %q", program.Encoding)
	}
}

func loadExecutable(program wire.ProgramContent) (Loaded, error) {
	switch program.Encoding {
	case wire.EncodingPlain:
		if err := os.WriteFile(executablePath, program.Code, 0755); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: write executable: %w", err)
		}
		return Loaded{ExecutablePath: executablePath, Entrypoint: program.Entrypoint}, nil
	case wire.EncodingZip:
		if err := extractZip(program.Code, codeDir); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: extract executable zip: %w", err)
		}
		execPath := filepath.Join(codeDir, program.Entrypoint)
		if err := os.Chmod(execPath, 0755); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: mark entrypoint executable: %w", err)
		}
		return Loaded{Dir: codeDir, ExecutablePath: execPath, Entrypoint: program.Entrypoint}, nil
	case wire.EncodingSquashfs:
		if _, err := os.Stat(squashfsCodeDir); err != nil {
			return Loaded{}, fmt.Errorf("codeloader: executable squashfs volume not mounted at %s: %w", squashfsCodeDir, err)
		}
		execPath := filepath.Join(squashfsCodeDir, program.Entrypoint)
		return Loaded{Dir: squashfsCodeDir, ExecutablePath: execPath, Entrypoint: program.Entrypoint}, nil
	default:
		return Loaded{}, fmt.Errorf("codeloader: unknown encoding %q", program.Encoding)
	}
}

func extractZip(data []byte, destDir string) error {
	zr, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for _, f := range zr.File {
		dest := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(dest, destDir+string(filepath.Separator)) && dest != destDir {
			continue
		}
		if f.FileInfo().IsDir() {
			os.MkdirAll(dest, 0755)
			continue
		}
		if err := extractFile(f, dest); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
