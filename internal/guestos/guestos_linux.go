// Package guestos performs the one-time guest-side OS setup a
// ConfigurationPayload drives: hostname, volumes, networking, then
// input-data extraction, in that order — grounded on
// runtimes/aleph-alpine-3.13-python/init1.py's setup_hostname /
// setup_volumes / setup_network / setup_input_data sequence, reimplemented
// with direct syscalls (Mount, netlink) instead of shelling out to ip(8)
// and mount(8), so the guest rootfs never needs iproute2/util-linux
// installed.
package guestos

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fnvmrun/fnvm/internal/wire"
)

// Setup runs the full guest OS setup sequence for cfg. It is idempotent
// in the pieces the original documents as idempotent (input data
// extraction keyed on a marker file) and fails fast on the pieces that
// must succeed for the program to run at all (volume mounts).
func Setup(cfg wire.ConfigurationPayload) error {
	if err := SetHostname(cfg.Hostname); err != nil {
		return fmt.Errorf("guestos: hostname: %w", err)
	}
	if err := MountVolumes(cfg.Volumes); err != nil {
		return fmt.Errorf("guestos: volumes: %w", err)
	}
	if err := SetupNetwork(cfg); err != nil {
		// Networking failure is logged, not fatal — a program that
		// doesn't actually make outbound calls should still run.
		log.Printf("guestos: network setup failed (non-fatal): %v", err)
	}
	if err := SetupInputData(cfg.InputData); err != nil {
		return fmt.Errorf("guestos: input data: %w", err)
	}
	return nil
}

// SetHostname sets the guest's hostname via sethostname(2). An empty
// hostname is a no-op, matching the original's skip-if-absent behavior.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	if err := syscall.Sethostname([]byte(hostname)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}
	return nil
}

// MountVolumes mounts each volume's device at its mount point, read-only
// squashfs, creating the mount point directory first. A device that
// doesn't exist is a hard failure — there is no reasonable partial-success
// state for a program whose code or dependency volume didn't mount.
func MountVolumes(volumes []wire.Volume) error {
	for _, v := range volumes {
		if err := os.MkdirAll(v.Mount, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", v.Mount, err)
		}
		if err := syscall.Mount(v.Device, v.Mount, "squashfs", syscall.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("mount %s at %s: %w", v.Device, v.Mount, err)
		}
		log.Printf("guestos: mounted %s at %s (squashfs, ro)", v.Device, v.Mount)
	}
	return nil
}

// SetupNetwork brings up loopback unconditionally, then — if eth0 is
// present and cfg.IP is set — assigns cfg.IP/24 to it, installs cfg.Route
// as the default gateway if present, and writes cfg.DNSServers into
// /etc/resolv.conf in order. A missing eth0 or empty cfg.IP skips the
// primary-interface step silently, matching the original's setup_network.
func SetupNetwork(cfg wire.ConfigurationPayload) error {
	if err := setupLoopback(); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}

	if _, err := os.Stat(filepath.Join("/sys/class/net", "eth0")); err != nil || cfg.IP == "" {
		return nil
	}

	if err := waitForInterface("eth0", 5*time.Second); err != nil {
		return nil
	}
	iface, err := net.InterfaceByName("eth0")
	if err != nil {
		return fmt.Errorf("get eth0: %w", err)
	}
	if err := netlinkSetLinkUp(iface.Index); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	if err := netlinkAddAddr(iface.Index, fmt.Sprintf("%s/24", cfg.IP)); err != nil {
		return fmt.Errorf("add addr: %w", err)
	}
	if cfg.Route != "" {
		if err := netlinkAddDefaultRoute(cfg.Route); err != nil {
			return fmt.Errorf("add default route: %w", err)
		}
	}

	if len(cfg.DNSServers) > 0 {
		var resolv strings.Builder
		for _, dns := range cfg.DNSServers {
			fmt.Fprintf(&resolv, "nameserver %s\n", dns)
		}
		if err := os.WriteFile("/etc/resolv.conf", []byte(resolv.String()), 0644); err != nil {
			return fmt.Errorf("write resolv.conf: %w", err)
		}
	}
	if _, err := os.Stat("/etc/hosts"); os.IsNotExist(err) {
		os.WriteFile("/etc/hosts", []byte("127.0.0.1\tlocalhost\n::1\tlocalhost\n"), 0644)
	}

	log.Printf("guestos: network configured: %s via %s (dns %v)", cfg.IP, cfg.Route, cfg.DNSServers)
	return nil
}

// setupLoopback brings lo up with 127.0.0.1/8 and ::1/128, the two
// addresses every guest needs regardless of whether eth0 ever comes up.
func setupLoopback() error {
	iface, err := net.InterfaceByName("lo")
	if err != nil {
		return fmt.Errorf("get lo: %w", err)
	}
	if err := netlinkSetLinkUp(iface.Index); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	if err := netlinkAddAddr(iface.Index, "127.0.0.1/8"); err != nil {
		return fmt.Errorf("add 127.0.0.1/8: %w", err)
	}
	if err := netlinkAddAddr(iface.Index, "::1/128"); err != nil {
		return fmt.Errorf("add ::1/128: %w", err)
	}
	return nil
}

func waitForInterface(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	path := filepath.Join("/sys/class/net", name)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("interface %s did not appear within %v", name, timeout)
}

// dataRoot and inputDataMarker are vars rather than consts so tests can
// point extraction at a temp directory instead of the guest's real /data.
var (
	dataRoot        = "/data"
	inputDataMarker = "/opt/.input-data-extracted"
)

// SetupInputData extracts a zip of input bytes into dataRoot, skipping the
// extraction if it has already run (idempotent across a restart of the
// same guest, matching the original's /opt/input.zip existence check).
func SetupInputData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(inputDataMarker); err == nil {
		return nil
	}

	zr, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open input zip: %w", err)
	}
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dataRoot, err)
	}
	for _, f := range zr.File {
		dest := filepath.Join(dataRoot, f.Name)
		if !strings.HasPrefix(dest, dataRoot+"/") && dest != dataRoot {
			continue // reject zip-slip paths escaping dataRoot
		}
		if f.FileInfo().IsDir() {
			os.MkdirAll(dest, 0755)
			continue
		}
		if err := extractZipFile(f, dest); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	return os.WriteFile(inputDataMarker, []byte("1"), 0644)
}

func extractZipFile(f *zip.File, dest string) error {
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
