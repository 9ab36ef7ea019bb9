package worker

import (
	"context"

	"github.com/alejandrodnm/tradelab/internal/ports"
)

// SubprocessFactory implements ports.WorkerFactory by spawning the
// reference scanner-worker binary.
type SubprocessFactory struct {
	Binary string   // path to the scanner-worker executable
	Args   []string // extra args, e.g. --database flag prefix
}

// NewSubprocessFactory returns a factory that spawns binary for every Spawn
// call.
func NewSubprocessFactory(binary string, args ...string) *SubprocessFactory {
	return &SubprocessFactory{Binary: binary, Args: args}
}

// Spawn implements ports.WorkerFactory.
func (f *SubprocessFactory) Spawn(ctx context.Context, scannerCode string) (ports.ScannerWorker, error) {
	return Start(ctx, f.Binary, f.Args, scannerCode)
}
