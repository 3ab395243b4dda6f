package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fnvmrun/fnvm/internal/wire"
)

// workerConfig is passed to the spawned guest-init process via the
// FNVM_WORKER_CONFIG environment variable. It stands in for the kernel
// command line / firmware config a real hypervisor would hand the guest.
type workerConfig struct {
	RootfsPath    string `json:"rootfs_path"`
	MemoryMB      int    `json:"memory_mb"`
	VCPUs         int    `json:"vcpus"`
	CallbackAddr  string `json:"callback_addr"`
	EnableNetwork bool   `json:"enable_network"`
}

type processInstance struct {
	cmd         *exec.Cmd
	channel     ControlChannel
	commandPort int
	paused      bool
	net         *gvproxyInstance
}

// ProcessVMM is a reference VMM backend that stands in for a real
// hypervisor: each "VM" is a child OS process running the guest-init
// binary, connected back to the host over a loopback TCP listener instead
// of vsock. It exists so the pool controller, guest bridge, and wire
// codec can all be exercised end to end without a kernel-mode hypervisor.
type ProcessVMM struct {
	mu         sync.Mutex
	instances  map[string]*processInstance
	guestBin   string
	gvproxyBin string
	sockDir    string
	nextNum    uint64
}

// NewProcessVMM returns a ProcessVMM that spawns guestBin (a binary built
// from cmd/fnvm-guest-init or equivalent) as the stand-in guest process.
// When gvproxyBin is set, StartVM starts a gvproxy for every VM; when it
// is empty, every VM runs without networking. VMConfig.EnableNetwork is
// not consulted either way.
func NewProcessVMM(guestBin, gvproxyBin, sockDir string) *ProcessVMM {
	return &ProcessVMM{
		instances:  make(map[string]*processInstance),
		guestBin:   guestBin,
		gvproxyBin: gvproxyBin,
		sockDir:    sockDir,
	}
}

func (p *ProcessVMM) CreateVM(cfg VMConfig) (Handle, error) {
	if cfg.Rootfs.Path == "" {
		return Handle{}, fmt.Errorf("vmm: rootfs path required")
	}
	p.mu.Lock()
	p.nextNum++
	num := p.nextNum
	p.mu.Unlock()
	return Handle{ID: fmt.Sprintf("vm-%d", num), Num: num}, nil
}

func (p *ProcessVMM) StartVM(ctx context.Context, h Handle) (ControlChannel, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("vmm: listen for guest callback: %w", err)
	}
	defer ln.Close()

	var gv *gvproxyInstance
	if p.gvproxyBin != "" {
		gv, err = startGvproxy(p.gvproxyBin, h.ID, p.sockDir)
		if err != nil {
			return nil, fmt.Errorf("vmm: start network for %s: %w", h.ID, err)
		}
	}

	wc := workerConfig{
		CallbackAddr:  ln.Addr().String(),
		EnableNetwork: gv != nil,
	}
	data, err := json.Marshal(wc)
	if err != nil {
		return nil, fmt.Errorf("vmm: marshal worker config: %w", err)
	}

	cmd := exec.Command(p.guestBin)
	cmd.Env = append(os.Environ(), "FNVM_WORKER_CONFIG="+string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		if gv != nil {
			gv.Stop()
		}
		return nil, fmt.Errorf("vmm: spawn guest process: %w", err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-acceptCh:
		if res.err != nil {
			cmd.Process.Kill()
			if gv != nil {
				gv.Stop()
			}
			return nil, fmt.Errorf("vmm: accept guest callback: %w", res.err)
		}
		ch := NewNetControlChannel(res.conn)
		p.mu.Lock()
		p.instances[h.ID] = &processInstance{cmd: cmd, channel: ch, net: gv}
		p.mu.Unlock()
		return ch, nil
	case <-time.After(90 * time.Second):
		cmd.Process.Kill()
		if gv != nil {
			gv.Stop()
		}
		return nil, fmt.Errorf("vmm: timed out waiting for guest callback")
	case <-ctx.Done():
		cmd.Process.Kill()
		if gv != nil {
			gv.Stop()
		}
		return nil, ctx.Err()
	}
}

func (p *ProcessVMM) Configure(ctx context.Context, h Handle, ch ControlChannel, cfg wire.ConfigurationPayload) error {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmm: unknown handle %s", h.ID)
	}
	if inst.net != nil {
		cfg.IP = gvproxyGuestIP
		cfg.Route = gvproxyGatewayIP
		cfg.DNSServers = []string{gvproxyGatewayIP}
	}

	conn := ch.Conn()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := wire.WriteConfig(conn, cfg); err != nil {
		return fmt.Errorf("vmm: send config: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var ack wire.BootAck
	if err := wire.ReadConfig(conn, &ack); err != nil {
		return fmt.Errorf("vmm: read boot ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("vmm: guest setup failed: %s", ack.Error)
	}
	if ack.CommandPort == 0 {
		return fmt.Errorf("vmm: guest boot ack missing command_port")
	}

	p.mu.Lock()
	inst.commandPort = ack.CommandPort
	p.mu.Unlock()
	return nil
}

// OpenCommandConn dials a fresh loopback connection to the port the guest
// announced in its BootAck. The process backend accepts these the same way
// it accepted the original callback: one net.Conn per command frame.
func (p *ProcessVMM) OpenCommandConn(ctx context.Context, h Handle) (net.Conn, error) {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vmm: unknown handle %s", h.ID)
	}
	if inst.commandPort == 0 {
		return nil, fmt.Errorf("vmm: %s has no command port yet", h.ID)
	}

	var d net.Dialer
	addr := fmt.Sprintf("127.0.0.1:%d", inst.commandPort)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("vmm: dial command port for %s: %w", h.ID, err)
	}
	return conn, nil
}

func (p *ProcessVMM) StartGuestAPI(ctx context.Context, h Handle) error {
	// The process backend's guest is request-ready as soon as Configure
	// succeeds; no separate activation step exists for this backend.
	return nil
}

func (p *ProcessVMM) PauseVM(h Handle) error {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmm: unknown handle %s", h.ID)
	}
	if err := inst.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("vmm: pause %s: %w", h.ID, err)
	}
	p.mu.Lock()
	inst.paused = true
	p.mu.Unlock()
	return nil
}

func (p *ProcessVMM) ResumeVM(h Handle) error {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmm: unknown handle %s", h.ID)
	}
	if err := inst.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("vmm: resume %s: %w", h.ID, err)
	}
	p.mu.Lock()
	inst.paused = false
	p.mu.Unlock()
	return nil
}

func (p *ProcessVMM) TeardownVM(h Handle) error {
	p.mu.Lock()
	inst, ok := p.instances[h.ID]
	if ok {
		delete(p.instances, h.ID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	inst.channel.Close()
	if inst.paused {
		inst.cmd.Process.Signal(syscall.SIGCONT)
	}
	inst.cmd.Process.Kill()
	inst.cmd.Wait()
	if inst.net != nil {
		inst.net.Stop()
	}
	return nil
}

func (p *ProcessVMM) Capabilities() BackendCaps {
	return BackendCaps{Name: "process", PersistentPause: true}
}
