// Package vmm defines the VM abstraction the pool controller drives: a
// handle plus the five lifecycle operations (create, start, configure,
// start the guest API, teardown) and a bidirectional byte-oriented control
// channel to the guest's request bridge.
package vmm

import (
	"context"
	"net"

	"github.com/fnvmrun/fnvm/internal/wire"
)

// Handle is an opaque reference to a created VM, carrying the monotonic id
// the backend's CreateVM assigned it. Num is never reused while the VM is
// alive.
type Handle struct {
	ID  string
	Num uint64
}

func (h Handle) String() string { return h.ID }

// RootFS describes the root filesystem artifact a backend boots from.
type RootFS struct {
	Path string
}

// VMConfig describes how to create a VM, corresponding to the
// "hardware resources" field of a program's resource requirements.
type VMConfig struct {
	Rootfs        RootFS
	MemoryMB      int
	VCPUs         int
	EnableNetwork bool
}

// BackendCaps reports what a VMM backend supports.
type BackendCaps struct {
	Name            string
	PersistentPause bool
}

// ControlChannel is the bidirectional byte channel between the host and a
// guest's request bridge. Messages are framed by the internal/wire package;
// ControlChannel only moves bytes — it does not know about
// ConfigurationPayload or RunCodePayload.
type ControlChannel interface {
	// Conn exposes the underlying net.Conn so callers can use wire.ReadConfig
	// / wire.WriteConfig / wire.ReadCommand directly against it.
	Conn() net.Conn
	Close() error
}

// VMM is the virtual machine manager interface the pool controller drives.
// It mirrors setup/start/configure/start_guest_api/teardown: CreateVM is
// setup, StartVM is start, Configure sends the boot ConfigurationPayload
// and waits for the BootAck, StartGuestAPI marks the VM ready for requests
// (each of which then goes over a connection from OpenCommandConn), and
// TeardownVM releases everything.
type VMM interface {
	// CreateVM allocates a VM (and its numeric id) but does not start it.
	CreateVM(cfg VMConfig) (Handle, error)

	// StartVM boots the VM and returns a ControlChannel connected to its
	// guest. The channel is ready for Configure to write the boot config
	// to once StartVM returns.
	StartVM(ctx context.Context, h Handle) (ControlChannel, error)

	// Configure sends the ConfigurationPayload over ch and waits for the
	// guest's BootAck, returning an error if the guest reported setup
	// failure or the ack never arrives before ctx is done.
	Configure(ctx context.Context, h Handle, ch ControlChannel, cfg wire.ConfigurationPayload) error

	// StartGuestAPI marks the VM ready to accept invocation requests. For
	// the process backend this is a no-op past Configure; it exists as a
	// distinct step because some hypervisor backends need to switch the
	// guest from a config-only mode into a request-serving mode.
	StartGuestAPI(ctx context.Context, h Handle) error

	// OpenCommandConn opens a fresh connection to the guest's request
	// bridge for exactly one command frame, matching the single-shot,
	// one-frame-per-connection framing the guest side expects.
	OpenCommandConn(ctx context.Context, h Handle) (net.Conn, error)

	// PauseVM suspends a running VM, retaining memory.
	PauseVM(h Handle) error

	// ResumeVM resumes a previously paused VM.
	ResumeVM(h Handle) error

	// TeardownVM stops and destroys a VM, freeing all resources. Must be
	// idempotent: tearing down an already-torn-down handle is not an error.
	TeardownVM(h Handle) error

	// Capabilities reports what this backend supports.
	Capabilities() BackendCaps
}
