package order

import "sync"

// symbolGuard admits one in-flight order per symbol. It spans the gap
// between reserving inventory and confirming or releasing it. Orders hold
// the ledger lock shared; exclusive holders see no order in flight.
type symbolGuard struct {
	ledger   sync.RWMutex
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newSymbolGuard() *symbolGuard {
	return &symbolGuard{inflight: make(map[string]struct{})}
}

// acquire returns a release func, or ErrSymbolBusy. It waits while an
// exclusive holder runs.
func (g *symbolGuard) acquire(symbol string) (func(), error) {
	g.ledger.RLock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[symbol]; busy {
		g.ledger.RUnlock()
		return nil, ErrSymbolBusy
	}
	g.inflight[symbol] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.inflight, symbol)
		g.mu.Unlock()
		g.ledger.RUnlock()
	}, nil
}

// exclusive runs fn once every in-flight order has finished; new orders
// wait until fn returns.
func (g *symbolGuard) exclusive(fn func()) {
	g.ledger.Lock()
	defer g.ledger.Unlock()
	fn()
}

func (g *symbolGuard) busy(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[symbol]
	return ok
}

func (g *symbolGuard) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
