package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/syncutil"
)

// DefaultNonceReconcileWindow is how long a cached nonce may run ahead of
// the ledger's pending count before the ledger's view wins.
const DefaultNonceReconcileWindow = 30 * time.Second

// NonceSource reports an account's pending transaction count.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out per-signer nonces. Acquire holds a per-address
// lock until the returned release func runs, so callers sharing a signing
// key are serialized from nonce assignment through broadcast.
type NonceManager struct {
	source NonceSource
	locks  *syncutil.ContextShardedMutex
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	state map[common.Address]nonceState
}

type nonceState struct {
	next   uint64
	synced time.Time
}

// NewNonceManager creates a NonceManager reading from source.
func NewNonceManager(source NonceSource, window time.Duration) *NonceManager {
	if window <= 0 {
		window = DefaultNonceReconcileWindow
	}
	return &NonceManager{
		source: source,
		locks:  syncutil.NewContextShardedMutex(),
		window: window,
		now:    time.Now,
		state:  make(map[common.Address]nonceState),
	}
}

// Acquire returns the next nonce for addr. The caller must call release
// exactly once: release(true) after a successful broadcast advances the
// sequence, release(false) discards the local cache so the next caller
// re-reads the ledger.
func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (uint64, func(used bool), error) {
	unlock, err := m.locks.LockContext(ctx, addr.Hex())
	if err != nil {
		return 0, nil, fmt.Errorf("acquire nonce lock for %s: %w", addr.Hex(), err)
	}

	onChain, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		unlock()
		return 0, nil, fmt.Errorf("pending nonce for %s: %w", addr.Hex(), err)
	}

	now := m.now()
	m.mu.Lock()
	cached, ok := m.state[addr]
	m.mu.Unlock()

	nonce := onChain
	switch {
	case !ok:
	case onChain > cached.next:
		metrics.NonceResyncsTotal.Inc()
	case now.Sub(cached.synced) > m.window:
		// Local sequence ran ahead for too long; transactions were dropped.
		if cached.next != onChain {
			metrics.NonceResyncsTotal.Inc()
		}
	default:
		nonce = cached.next
	}

	var once sync.Once
	release := func(used bool) {
		once.Do(func() {
			m.mu.Lock()
			if used {
				synced := now
				if prev, ok := m.state[addr]; ok && nonce != onChain {
					synced = prev.synced
				}
				m.state[addr] = nonceState{next: nonce + 1, synced: synced}
			} else {
				delete(m.state, addr)
			}
			m.mu.Unlock()
			unlock()
		})
	}
	return nonce, release, nil
}

// Reset forgets the cached sequence for addr.
func (m *NonceManager) Reset(addr common.Address) {
	m.mu.Lock()
	delete(m.state, addr)
	m.mu.Unlock()
}
