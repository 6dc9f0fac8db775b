package fasttime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ModuleState is the lifecycle state of a ModuleManager.
type ModuleState int32

const (
	ModuleLoading ModuleState = iota
	ModuleReady
	ModuleReloading
	ModuleDraining
	ModuleUnloaded
)

func (s ModuleState) String() string {
	switch s {
	case ModuleLoading:
		return "loading"
	case ModuleReady:
		return "ready"
	case ModuleReloading:
		return "reloading"
	case ModuleDraining:
		return "draining"
	case ModuleUnloaded:
		return "unloaded"
	}
	return "unknown"
}

// Module is a validated, compiled guest program. A Module is never modified: a reload builds a
// new one. It is torn down once the manager has let go of it and every instance created from it
// has completed.
type Module struct {
	// Generation counts the modules loaded by a manager, starting at 1.
	Generation uint64

	// Digest is the hex encoded SHA-256 of the binary.
	Digest string

	// Source describes where the binary came from, usually its path.
	Source string

	LoadedAt time.Time

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	refs     atomic.Int64
	released func()
}

// acquire takes a reference unless the module has already been torn down.
func (m *Module) acquire() bool {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return false
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference taken with ModuleManager.Acquire.
func (m *Module) Release() {
	if m.refs.Add(-1) == 0 {
		m.runtime.Close(context.Background())
		if m.released != nil {
			m.released()
		}
	}
}

func (m *Module) String() string {
	return m.Source + "@" + m.Digest[:12]
}

// ModuleManager owns the active Module and swaps it on reload. Reads never take a lock: the
// active module is published through an atomic pointer, and each request holds a reference to
// the module it started with until it completes.
type ModuleManager struct {
	engine *engine
	log    *zap.Logger

	current atomic.Pointer[Module]
	state   atomic.Int32

	// mu serializes loads and swaps
	mu         sync.Mutex
	generation uint64
	closed     bool

	reloads  singleflight.Group
	requests atomic.Uint64
	failures atomic.Uint64
	live     sync.WaitGroup
}

func newModuleManager(e *engine, log *zap.Logger) *ModuleManager {
	mm := &ModuleManager{engine: e, log: log}
	mm.state.Store(int32(ModuleLoading))
	return mm
}

// State is the manager's current lifecycle state.
func (mm *ModuleManager) State() ModuleState {
	return ModuleState(mm.state.Load())
}

// Failures is the number of rejected reloads.
func (mm *ModuleManager) Failures() uint64 {
	return mm.failures.Load()
}

// Current returns the active module, or nil before the first load and after Close. It is safe
// to call concurrently with a swap.
func (mm *ModuleManager) Current() *Module {
	return mm.current.Load()
}

// Acquire returns the active module with a reference held. The caller must Release it.
func (mm *ModuleManager) Acquire() (*Module, error) {
	for {
		m := mm.current.Load()
		if m == nil {
			return nil, ErrClosed
		}
		if m.acquire() {
			return m, nil
		}
		// m was swapped out and torn down between the load and the acquire, its replacement
		// is already published
	}
}

// Reload validates the binary returned by read and, if it is valid and differs from the active
// module, makes it the active module. Concurrent reloads of the same source are coalesced, but a
// caller that joins a reload which has already read the binary reloads again. On failure the
// active module is left in place and a *ReloadValidationError is returned.
func (mm *ModuleManager) Reload(ctx context.Context, source string, read func() ([]byte, error)) (*Module, error) {
	seq := mm.requests.Add(1)
	for {
		v, err, shared := mm.reloads.Do(source, func() (any, error) {
			return mm.swap(ctx, source, read)
		})
		pass := v.(reloadPass)
		if shared && pass.read != 0 && pass.read < seq {
			mm.log.Debug("joined a reload that read before it was requested, reloading again", zap.String("source", source))
			continue
		}
		if shared {
			mm.log.Debug("reload coalesced", zap.String("source", source))
		}
		if err != nil {
			return nil, err
		}
		return pass.m, nil
	}
}

// reloadPass is the outcome of one swap. read is the last request sequence number issued when
// the binary was read, or 0 if it never was.
type reloadPass struct {
	m    *Module
	read uint64
}

func (mm *ModuleManager) swap(ctx context.Context, source string, read func() ([]byte, error)) (reloadPass, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.closed {
		return reloadPass{}, ErrClosed
	}

	pass := reloadPass{read: mm.requests.Load()}
	wasm, err := read()
	if err != nil {
		mm.failures.Add(1)
		return pass, &ReloadValidationError{Source: source, Err: err}
	}

	sum := sha256.Sum256(wasm)
	digest := hex.EncodeToString(sum[:])
	if cur := mm.current.Load(); cur != nil && cur.Digest == digest {
		mm.log.Info("module unchanged, not reloading", zap.String("source", source), zap.Uint64("generation", cur.Generation))
		pass.m = cur
		return pass, nil
	}

	initial := mm.current.Load() == nil
	if !initial {
		mm.state.Store(int32(ModuleReloading))
	}

	start := time.Now()
	m, err := mm.build(ctx, source, digest, wasm)
	if err != nil {
		mm.failures.Add(1)
		if !initial {
			mm.state.Store(int32(ModuleReady))
		}
		mm.log.Warn("module rejected", zap.String("source", source), zap.Error(err))
		return pass, err
	}

	old := mm.current.Swap(m)
	mm.state.Store(int32(ModuleReady))
	mm.log.Info("module loaded",
		zap.String("source", source),
		zap.Uint64("generation", m.Generation),
		zap.String("digest", digest[:12]),
		zap.Duration("elapsed", time.Since(start)))

	if old != nil {
		old.Release()
	}
	pass.m = m
	return pass, nil
}

// build compiles and links a binary, including a trial instantiation so that a module with
// imports the host cannot satisfy is rejected before it serves any request.
func (mm *ModuleManager) build(ctx context.Context, source, digest string, wasm []byte) (*Module, error) {
	rt, compiled, err := mm.engine.load(ctx, wasm)
	if err != nil {
		return nil, &ReloadValidationError{Source: source, Err: err}
	}

	trial, err := rt.InstantiateModule(ctx, compiled, mm.engine.moduleConfig())
	if err != nil {
		rt.Close(context.Background())
		return nil, &ReloadValidationError{Source: source, Err: err}
	}
	trial.Close(ctx)

	mm.generation++
	m := &Module{
		Generation: mm.generation,
		Digest:     digest,
		Source:     source,
		LoadedAt:   time.Now(),
		runtime:    rt,
		compiled:   compiled,
	}
	m.refs.Store(1)

	mm.live.Add(1)
	m.released = func() {
		mm.log.Debug("module unloaded", zap.Uint64("generation", m.Generation))
		mm.live.Done()
	}
	return m, nil
}

// Close stops handing out modules and waits until every in-flight instance has completed, or
// ctx is done.
func (mm *ModuleManager) Close(ctx context.Context) error {
	mm.mu.Lock()
	if !mm.closed {
		mm.closed = true
		mm.state.Store(int32(ModuleDraining))
		if old := mm.current.Swap(nil); old != nil {
			old.Release()
		}
	}
	mm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		mm.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		mm.state.Store(int32(ModuleUnloaded))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
