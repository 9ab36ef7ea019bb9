package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/tradelab/internal/errs"
	"github.com/alejandrodnm/tradelab/internal/ports"
)

// poolKey identifies one (agent, ticker) worker slot.
type poolKey struct {
	AgentID string
	Ticker  string
}

// Pool keeps one live ScannerWorker per (agent, ticker) pair and respawns it
// on crash, per §4.2/§4.3's "engine must respawn" requirement. The scanner
// code for a given agent is fixed for the lifetime of the Pool (set via
// Register), since a new scanner version means a new Pool.
type Pool struct {
	factory ports.WorkerFactory

	mu      sync.Mutex
	code    map[string]string // agentID -> scanner code
	workers map[poolKey]ports.ScannerWorker
}

// NewPool builds an empty Pool backed by factory.
func NewPool(factory ports.WorkerFactory) *Pool {
	return &Pool{
		factory: factory,
		code:    make(map[string]string),
		workers: make(map[poolKey]ports.ScannerWorker),
	}
}

// Register associates scanner code with an agent for subsequent Get calls.
func (p *Pool) Register(agentID, scannerCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[agentID] = scannerCode
}

// Scan issues one scan request against the (agentID, ticker) worker,
// spawning it lazily and respawning once on a WorkerCrash before giving up.
func (p *Pool) Scan(ctx context.Context, agentID, ticker string, req ports.ScanRequest) (ports.ScanResponse, error) {
	w, err := p.get(ctx, agentID, ticker)
	if err != nil {
		return ports.ScanResponse{}, err
	}

	resp, err := w.Scan(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errs.Is(err, errs.KindWorkerCrash) {
		return ports.ScanResponse{}, err
	}

	slog.Warn("scanner worker crashed, respawning", "agent", agentID, "ticker", ticker, "error", err)
	p.evict(agentID, ticker)

	w, respawnErr := p.get(ctx, agentID, ticker)
	if respawnErr != nil {
		return ports.ScanResponse{}, fmt.Errorf("Pool.Scan: respawn after crash: %w", respawnErr)
	}
	return w.Scan(ctx, req)
}

func (p *Pool) get(ctx context.Context, agentID, ticker string) (ports.ScannerWorker, error) {
	key := poolKey{AgentID: agentID, Ticker: ticker}

	p.mu.Lock()
	if w, ok := p.workers[key]; ok && w.Alive() {
		p.mu.Unlock()
		return w, nil
	}
	code := p.code[agentID]
	p.mu.Unlock()

	if code == "" {
		return nil, fmt.Errorf("Pool.get: no scanner code registered for agent %s", agentID)
	}

	w, err := p.factory.Spawn(ctx, code)
	if err != nil {
		return nil, errs.WorkerCrash("Pool.get", ticker, err)
	}

	p.mu.Lock()
	p.workers[key] = w
	p.mu.Unlock()

	return w, nil
}

func (p *Pool) evict(agentID, ticker string) {
	key := poolKey{AgentID: agentID, Ticker: ticker}
	p.mu.Lock()
	w, ok := p.workers[key]
	delete(p.workers, key)
	p.mu.Unlock()
	if ok {
		_ = w.Close()
	}
}

// CloseAll terminates every live worker. Call when a backtest or paper
// session ends.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	workers := make([]ports.ScannerWorker, 0, len(p.workers))
	for k, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, k)
	}
	p.mu.Unlock()

	for _, w := range workers {
		_ = w.Close()
	}
}
