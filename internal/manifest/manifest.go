// Package manifest resolves a VmHash to everything the pool needs to
// cold-start it: the bytes/paths C3's code loader will use, the
// resources C5's backend boots with, and the secrets C11 decrypts into
// the ConfigurationPayload's environment.
//
// This is the seam spec.md leaves external ("how programs are
// registered" is out of scope): a small JSON file of function
// definitions, loaded once at startup, is the simplest concrete binding
// that lets C8's edge actually resolve a request end to end.
package manifest

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fnvmrun/fnvm/internal/imagecache"
	"github.com/fnvmrun/fnvm/internal/pool"
	"github.com/fnvmrun/fnvm/internal/secrets"
	"github.com/fnvmrun/fnvm/internal/vmm"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// FunctionDef is one entry in the manifest file.
type FunctionDef struct {
	Hostname     string            `json:"hostname"`
	ImageRef     string            `json:"image_ref,omitempty"`
	CodePath     string            `json:"code_path,omitempty"`
	Encoding     wire.Encoding     `json:"encoding"`
	Entrypoint   string            `json:"entrypoint"`
	Interface    wire.Interface    `json:"interface"`
	Volumes      []wire.Volume     `json:"volumes,omitempty"`
	Internet     bool              `json:"internet"`
	Env          map[string]string `json:"env,omitempty"`
	EncryptedEnv map[string]string `json:"encrypted_env,omitempty"` // hex-encoded ciphertext
	MemoryMB     int               `json:"memory_mb"`
	VCPUs        int               `json:"vcpus"`
	KeepAliveS   int               `json:"keep_alive_seconds"`
	LogLevel     string            `json:"log_level,omitempty"`
}

// Manifest resolves VmHashes against a fixed set of function definitions
// loaded from disk, materializing OCI-image code references through an
// imagecache.Cache and decrypting any EncryptedEnv through a
// secrets.Store.
type Manifest struct {
	defs      map[pool.VmHash]FunctionDef
	images    *imagecache.Cache
	secrets   *secrets.Store
	defaultKA time.Duration
	rootfs    string
}

// Load reads a JSON array of {vm_hash, ...FunctionDef} objects from path.
// images and ss may be nil if no manifest entry needs them (no image_ref,
// no encrypted_env, respectively) — Resolve reports a clear error rather
// than panicking if one turns out to be needed.
func Load(path string, images *imagecache.Cache, ss *secrets.Store, defaultRootfs string, defaultKeepAlive time.Duration) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var raw []struct {
		VMHash string `json:"vm_hash"`
		FunctionDef
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	defs := make(map[pool.VmHash]FunctionDef, len(raw))
	for _, r := range raw {
		defs[pool.VmHash(r.VMHash)] = r.FunctionDef
	}

	return &Manifest{
		defs:      defs,
		images:    images,
		secrets:   ss,
		defaultKA: defaultKeepAlive,
		rootfs:    defaultRootfs,
	}, nil
}

// Resolve implements edge.Resolver.
func (m *Manifest) Resolve(hash pool.VmHash) (vmm.VMConfig, wire.ConfigurationPayload, time.Duration, error) {
	def, ok := m.defs[hash]
	if !ok {
		return vmm.VMConfig{}, wire.ConfigurationPayload{}, 0, fmt.Errorf("manifest: unknown vm_hash %s", hash)
	}

	code, encoding, err := m.resolveCode(def)
	if err != nil {
		return vmm.VMConfig{}, wire.ConfigurationPayload{}, 0, fmt.Errorf("manifest: resolve code for %s: %w", hash, err)
	}

	env := make(map[string]string, len(def.Env))
	for k, v := range def.Env {
		env[k] = v
	}
	if len(def.EncryptedEnv) > 0 {
		if m.secrets == nil {
			return vmm.VMConfig{}, wire.ConfigurationPayload{}, 0, fmt.Errorf("manifest: %s has encrypted_env but no secrets store configured", hash)
		}
		encrypted := make(map[string][]byte, len(def.EncryptedEnv))
		for k, hexVal := range def.EncryptedEnv {
			ct, err := hex.DecodeString(hexVal)
			if err != nil {
				return vmm.VMConfig{}, wire.ConfigurationPayload{}, 0, fmt.Errorf("manifest: %s encrypted_env[%s] is not valid hex: %w", hash, k, err)
			}
			encrypted[k] = ct
		}
		decrypted, err := m.secrets.DecryptEnv(encrypted)
		if err != nil {
			return vmm.VMConfig{}, wire.ConfigurationPayload{}, 0, fmt.Errorf("manifest: decrypt env for %s: %w", hash, err)
		}
		for k, v := range decrypted {
			env[k] = v
		}
	}

	memory := def.MemoryMB
	if memory == 0 {
		memory = 512
	}
	vcpus := def.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}

	cfg := vmm.VMConfig{
		Rootfs:        vmm.RootFS{Path: m.rootfs},
		MemoryMB:      memory,
		VCPUs:         vcpus,
		EnableNetwork: def.Internet,
	}

	program := wire.ConfigurationPayload{
		VMHash:   string(hash),
		Hostname: def.Hostname,
		Program: wire.ProgramContent{
			Encoding:   encoding,
			Entrypoint: def.Entrypoint,
			Interface:  def.Interface,
			Code:       code,
		},
		Volumes:     def.Volumes,
		Environment: wire.Environment{Internet: def.Internet, Vars: env},
		LogLevel:    def.LogLevel,
	}

	keepAlive := m.defaultKA
	if def.KeepAliveS > 0 {
		keepAlive = time.Duration(def.KeepAliveS) * time.Second
	}

	return cfg, program, keepAlive, nil
}

// resolveCode returns the program's code bytes and the encoding they're
// packaged in. An image_ref is pulled and its unpacked layer directory
// zipped, since zip is the one encoding that carries the code inline and
// that the codeloader accepts for both interfaces; a code_path is read
// as-is using the manifest's declared
// encoding.
func (m *Manifest) resolveCode(def FunctionDef) ([]byte, wire.Encoding, error) {
	switch {
	case def.ImageRef != "":
		if m.images == nil {
			return nil, "", fmt.Errorf("image_ref set but no image cache configured")
		}
		dir, _, err := m.images.GetOrPull(context.Background(), def.ImageRef, nil)
		if err != nil {
			return nil, "", err
		}
		code, err := zipDir(dir)
		if err != nil {
			return nil, "", err
		}
		return code, wire.EncodingZip, nil
	case def.CodePath != "":
		code, err := os.ReadFile(def.CodePath)
		if err != nil {
			return nil, "", err
		}
		return code, def.Encoding, nil
	default:
		return nil, "", fmt.Errorf("neither image_ref nor code_path set")
	}
}

// zipDir archives dir's contents (skipping imagecache's own bookkeeping
// files) into a zip buffer the codeloader can extract on the guest side.
func zipDir(dir string) ([]byte, error) {
	var buf strings.Builder
	zw := zip.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if name == ".image-ref" || name == ".image-env.json" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
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
		return nil, fmt.Errorf("zip %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return []byte(buf.String()), nil
}
