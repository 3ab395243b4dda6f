package imagecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Cache provides digest-keyed caching of unpacked OCI image layers, used
// to materialize a ProgramContent whose code is an image reference
// rather than inline bytes.
//
// Cache layout: {cacheDir}/sha256_{digest}/ — unpacked layers. A local
// ref→digest index avoids a registry round trip on every cold start.
type Cache struct {
	mu       sync.Mutex
	cacheDir string
	arch     string
	refIndex map[string]string
}

// NewCache returns a Cache rooted at cacheDir, pulling images for arch
// (e.g. "amd64", matching the pool's VMConfig).
func NewCache(cacheDir, arch string) *Cache {
	return &Cache{
		cacheDir: cacheDir,
		arch:     arch,
		refIndex: make(map[string]string),
	}
}

// ProgressFunc reports pull stages ("resolving", "downloading", "ready")
// back to a caller that wants to surface cold-start progress.
type ProgressFunc func(stage, detail string)

// GetOrPull returns the directory holding imageRef's unpacked layers,
// pulling and unpacking it first if it isn't already cached by digest.
func (c *Cache) GetOrPull(ctx context.Context, imageRef string, progress ProgressFunc) (dir, digest string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.refIndex[imageRef]; ok {
		cachedDir := filepath.Join(c.cacheDir, digestToDirName(d))
		if _, err := os.Stat(cachedDir); err == nil {
			log.Printf("imagecache: local cache hit for %s (%s)", imageRef, d)
			return cachedDir, d, nil
		}
		delete(c.refIndex, imageRef)
	}

	if len(c.refIndex) == 0 {
		c.rebuildIndex()
		if d, ok := c.refIndex[imageRef]; ok {
			cachedDir := filepath.Join(c.cacheDir, digestToDirName(d))
			if _, err := os.Stat(cachedDir); err == nil {
				log.Printf("imagecache: disk cache hit for %s (%s)", imageRef, d)
				return cachedDir, d, nil
			}
		}
	}

	log.Printf("imagecache: resolving %s", imageRef)
	if progress != nil {
		progress("resolving", imageRef)
	}
	result, err := Pull(ctx, imageRef, c.arch)
	if err != nil {
		return "", "", fmt.Errorf("pull %s: %w", imageRef, err)
	}

	digest = result.Digest
	cachedDir := filepath.Join(c.cacheDir, digestToDirName(digest))
	c.refIndex[imageRef] = digest

	if _, err := os.Stat(cachedDir); err == nil {
		log.Printf("imagecache: cache hit for %s (%s)", imageRef, digest)
		c.writeRefFile(cachedDir, imageRef)
		return cachedDir, digest, nil
	}

	log.Printf("imagecache: unpacking %s (%s)", imageRef, digest)
	if progress != nil {
		progress("downloading", imageRef)
	}
	tmpDir := cachedDir + ".tmp"
	os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", "", fmt.Errorf("create tmp dir: %w", err)
	}
	if err := Unpack(result.Image, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("unpack %s: %w", imageRef, err)
	}
	if err := os.Rename(tmpDir, cachedDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("rename cache dir: %w", err)
	}

	c.writeRefFile(cachedDir, imageRef)
	c.writeImageEnv(result.Image, cachedDir)

	log.Printf("imagecache: cached %s at %s", imageRef, cachedDir)
	if progress != nil {
		progress("ready", imageRef)
	}
	return cachedDir, digest, nil
}

func (c *Cache) writeRefFile(cachedDir, imageRef string) {
	os.WriteFile(filepath.Join(cachedDir, ".image-ref"), []byte(imageRef), 0644)
}

func (c *Cache) rebuildIndex() {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cacheDir, e.Name(), ".image-ref"))
		if err != nil {
			continue
		}
		ref := strings.TrimSpace(string(data))
		digest := strings.Replace(e.Name(), "_", ":", 1)
		c.refIndex[ref] = digest
	}
	if len(c.refIndex) > 0 {
		log.Printf("imagecache: rebuilt index from disk (%d entries)", len(c.refIndex))
	}
}

// writeImageEnv extracts the image's ENV directives into a file beside the
// unpacked layers, readable with ReadImageEnv. The daemon does not read
// them back: they are not folded into a program's Environment.Vars.
func (c *Cache) writeImageEnv(img v1.Image, cachedDir string) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return
	}
	if len(cfg.Config.Env) == 0 {
		return
	}
	data, _ := json.Marshal(cfg.Config.Env)
	os.WriteFile(filepath.Join(cachedDir, ".image-env.json"), data, 0644)
}

// ReadImageEnv reads back the ENV directives writeImageEnv recorded.
func ReadImageEnv(cachedDir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(cachedDir, ".image-env.json"))
	if err != nil {
		return nil
	}
	var envList []string
	if json.Unmarshal(data, &envList) != nil {
		return nil
	}
	result := make(map[string]string, len(envList))
	for _, e := range envList {
		if k, v, ok := strings.Cut(e, "="); ok {
			result[k] = v
		}
	}
	return result
}

func digestToDirName(digest string) string {
	return strings.Replace(digest, ":", "_", 1)
}
