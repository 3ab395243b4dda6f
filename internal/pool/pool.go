// Package pool implements the VM pool & lifecycle controller: a
// content-addressed cache of warm VMs, keyed by VmHash, with idle-timeout
// eviction that never races an in-flight invocation.
//
// Grounded on the original vm_supervisor.pool.VmPool: a cold-start
// counter (VM ids themselves come from the vmm backend's CreateVM),
// get/get_or_create/keep_running/extend/expire, and in
// particular extend's ordering — the replacement timer is always armed
// before the old one is cancelled, so there is never a window with zero
// timers covering a cached VM.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fnvmrun/fnvm/internal/vmm"
	"github.com/fnvmrun/fnvm/internal/wire"
)

// VmHash content-addresses a program: its code, volumes, and resource
// requirements all fold into this identifier, which is also what callers
// use to refer to "the running instance of this program", if any.
type VmHash string

// StartedVM is a cache entry: a running VM and the timer that will expire
// it if nothing extends its lease first.
type StartedVM struct {
	Handle     vmm.Handle
	Program    wire.ConfigurationPayload
	generation uint64
	timer      *time.Timer
}

// Pool is the content-addressed cache of warm VMs.
type Pool struct {
	mu       sync.Mutex
	cache    map[VmHash]*StartedVM
	counter  uint64
	backend  vmm.VMM
	onChange func(hash VmHash, state string, h vmm.Handle)

	coldStarts uint64
	evictions  uint64
}

// OnStateChange registers fn to be called whenever a VM transitions
// between "warm" and "cold" — the pool's only outward-facing observation
// point, intended for C9's registry to record without ever feeding back
// into pool behavior.
func (p *Pool) OnStateChange(fn func(hash VmHash, state string, h vmm.Handle)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Pool) notify(hash VmHash, state string, h vmm.Handle) {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(hash, state, h)
	}
}

// Stats is a snapshot of pool counters, exported for the daemon's
// Prometheus metrics.
type Stats struct {
	CacheSize  int
	ColdStarts uint64
	Evictions  uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		CacheSize:  p.Len(),
		ColdStarts: atomic.LoadUint64(&p.coldStarts),
		Evictions:  atomic.LoadUint64(&p.evictions),
	}
}

// New returns a Pool backed by v, with its internal counter starting at
// startID (the original's START_ID_INDEX). CreateVM increments the counter
// once per call, but the counter is not used for VM ids: a Handle's ID and
// Num are the ones v.CreateVM assigns.
func New(v vmm.VMM, startID uint64) *Pool {
	return &Pool{
		cache:   make(map[VmHash]*StartedVM),
		counter: startID,
		backend: v,
	}
}

// Get returns the cached VM for hash, if any, without creating one.
func (p *Pool) Get(hash VmHash) (*StartedVM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sv, ok := p.cache[hash]
	return sv, ok
}

// CreateVM bumps the pool's counter, then drives a VM through
// create/start/configure/start-guest-api. On any failure it tears down
// whatever was already brought up before propagating the error — a VM
// must never be left half-initialized and unreachable.
func (p *Pool) CreateVM(ctx context.Context, cfg vmm.VMConfig, program wire.ConfigurationPayload) (vmm.Handle, error) {
	p.mu.Lock()
	p.counter++
	p.mu.Unlock()

	h, err := p.backend.CreateVM(cfg)
	if err != nil {
		return vmm.Handle{}, fmt.Errorf("pool: create vm: %w", err)
	}
	atomic.AddUint64(&p.coldStarts, 1)

	var ch vmm.ControlChannel
	teardown := func() {
		if ch != nil {
			ch.Close()
		}
		p.backend.TeardownVM(h)
	}

	ch, err = p.backend.StartVM(ctx, h)
	if err != nil {
		teardown()
		return vmm.Handle{}, fmt.Errorf("pool: start vm: %w", err)
	}
	if err := p.backend.Configure(ctx, h, ch, program); err != nil {
		teardown()
		return vmm.Handle{}, fmt.Errorf("pool: configure vm: %w", err)
	}
	if err := p.backend.StartGuestAPI(ctx, h); err != nil {
		teardown()
		return vmm.Handle{}, fmt.Errorf("pool: start guest api: %w", err)
	}
	return h, nil
}

// GetOrCreate returns the cached VM for hash, creating and caching one
// (with a keep-alive lease of timeout) if it isn't already warm.
func (p *Pool) GetOrCreate(ctx context.Context, hash VmHash, cfg vmm.VMConfig, program wire.ConfigurationPayload, timeout time.Duration) (vmm.Handle, error) {
	p.mu.Lock()
	if sv, ok := p.cache[hash]; ok {
		sv.generation++
		newTimer := time.AfterFunc(timeout, p.expireFunc(hash, sv.generation))
		oldTimer := sv.timer
		sv.timer = newTimer
		oldTimer.Stop()
		h := sv.Handle
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()
	h, err := p.CreateVM(ctx, cfg, program)
	if err != nil {
		return vmm.Handle{}, err
	}
	p.KeepRunning(hash, h, program, timeout)
	return h, nil
}

// KeepRunning registers a freshly created VM in the cache with a
// keep-alive lease of timeout, or — if hash is already cached (a
// create-race lost to a concurrent caller) — extends the existing entry's
// lease instead of overwriting it, matching the original's warning-and-
// delegate behavior.
func (p *Pool) KeepRunning(hash VmHash, h vmm.Handle, program wire.ConfigurationPayload, timeout time.Duration) {
	p.mu.Lock()
	if _, exists := p.cache[hash]; exists {
		p.mu.Unlock()
		log.Printf("pool: keep_running called for already-cached vm_hash=%s, extending instead", hash)
		p.Extend(hash, timeout)
		return
	}
	sv := &StartedVM{Handle: h, Program: program, generation: 1}
	sv.timer = time.AfterFunc(timeout, p.expireFunc(hash, sv.generation))
	p.cache[hash] = sv
	p.mu.Unlock()
	p.notify(hash, "warm", h)
}

// Extend replaces the expiration timer for hash's cached VM with a fresh
// one of the given duration. The new timer is created before the old one
// is stopped so the VM is never uncovered by any timer, even momentarily —
// this ordering is load-bearing, not cosmetic: reversing it would let an
// in-flight expire fire for the about-to-be-replaced generation in the gap.
func (p *Pool) Extend(hash VmHash, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sv, ok := p.cache[hash]
	if !ok {
		return fmt.Errorf("pool: extend: no cached vm for hash %s", hash)
	}
	sv.generation++
	newTimer := time.AfterFunc(timeout, p.expireFunc(hash, sv.generation))
	oldTimer := sv.timer
	sv.timer = newTimer
	oldTimer.Stop()
	return nil
}

// expireFunc returns the callback a lease timer fires when it elapses. It
// re-validates that the cache entry it was armed for is still the current
// generation before evicting — an Extend call may have already replaced
// it, in which case this stale timer is a no-op.
func (p *Pool) expireFunc(hash VmHash, generation uint64) func() {
	return func() {
		p.mu.Lock()
		sv, ok := p.cache[hash]
		if !ok || sv.generation != generation {
			p.mu.Unlock()
			return
		}
		delete(p.cache, hash)
		h := sv.Handle
		p.mu.Unlock()
		atomic.AddUint64(&p.evictions, 1)
		p.notify(hash, "cold", h)

		if err := p.backend.TeardownVM(h); err != nil {
			log.Printf("pool: teardown %s on expire: %v", hash, err)
		}
	}
}

// Shutdown tears down every cached VM immediately, stopping their timers
// first so expire never races a shutdown-triggered teardown.
func (p *Pool) Shutdown() {
	type entry struct {
		hash VmHash
		sv   *StartedVM
	}

	p.mu.Lock()
	entries := make([]entry, 0, len(p.cache))
	for hash, sv := range p.cache {
		sv.timer.Stop()
		entries = append(entries, entry{hash, sv})
		delete(p.cache, hash)
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.notify(e.hash, "cold", e.sv.Handle)
		if err := p.backend.TeardownVM(e.sv.Handle); err != nil {
			log.Printf("pool: teardown %s on shutdown: %v", e.hash, err)
		}
	}
}

// Len reports the number of VMs currently cached, for metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}
