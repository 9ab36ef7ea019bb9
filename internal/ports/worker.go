package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// ScanRequest is one line-delimited JSON request sent to a Scanner Worker
// subprocess over stdin (§4.2). CurrentBarTimestamp is the worker's entire
// view of "now": the supplied bar store path contains only bars with
// timestamp <= CurrentBarTimestamp.
type ScanRequest struct {
	RequestID           string   `json:"requestId"`
	DatabasePath        string   `json:"databasePath"`
	Tickers             []string `json:"tickers"`
	CurrentBarTimestamp int64    `json:"currentBarTimestamp"`
}

// ScanResponse is the matching line-delimited JSON response read from a
// Scanner Worker's stdout, followed by a bare "READY" line.
type ScanResponse struct {
	RequestID string         `json:"requestId"`
	Success   bool           `json:"success"`
	Data      *domain.Signal `json:"data"`
	Error     string         `json:"error,omitempty"`
}

// WorkerTimeout is the maximum time to wait for a request's matching READY
// before the request, and the worker itself, are considered failed (§4.2).
const WorkerTimeout = 120 * time.Second

// ScannerWorker is a single long-lived subprocess executing one agent's
// scanner code sequentially over successive bar windows. One ScannerWorker
// is kept alive per (agent, ticker) pair for the duration of a backtest or
// paper-trading session; callers must call Close to terminate the
// subprocess cleanly.
type ScannerWorker interface {
	// Scan issues one request and blocks for the matching response or until
	// ctx is cancelled or WorkerTimeout elapses. A timeout or a subprocess
	// exit before the matching READY is a WorkerCrash, per errs.KindWorkerCrash.
	Scan(ctx context.Context, req ScanRequest) (ScanResponse, error)

	// Alive reports whether the subprocess is still running.
	Alive() bool

	// Close terminates the subprocess (stdin close, then kill on timeout).
	Close() error
}

// WorkerFactory spawns a ScannerWorker hosting the given scanner code. The
// reference implementation spawns cmd/scanner-worker as a subprocess; tests
// may substitute an in-process fake.
type WorkerFactory interface {
	Spawn(ctx context.Context, scannerCode string) (ScannerWorker, error)
}
