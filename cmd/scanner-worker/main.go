// Command scanner-worker is the reference host for a Scanner Worker
// subprocess (§4.2). It speaks line-delimited JSON on stdin/stdout: the
// first line is a bootstrap message carrying the scanner's scan-rule source,
// then each subsequent line is a ports.ScanRequest answered with a
// ports.ScanResponse followed by a bare READY line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alejandrodnm/tradelab/internal/adapters/storage"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
	"github.com/alejandrodnm/tradelab/internal/scanrule"
)

type bootstrapMessage struct {
	ScannerCode string `json:"scannerCode"`
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(os.Stdin, os.Stdout); err != nil {
		slog.Error("scanner-worker exiting", "err", err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	bootstrapLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read bootstrap: %w", err)
	}
	var bootstrap bootstrapMessage
	if err := json.Unmarshal([]byte(bootstrapLine), &bootstrap); err != nil {
		return fmt.Errorf("decode bootstrap: %w", err)
	}
	rule, err := scanrule.Parse(bootstrap.ScannerCode)
	if err != nil {
		return fmt.Errorf("parse scan rule: %w", err)
	}

	fmt.Fprintln(out, "READY")

	stores := map[string]*storage.Store{}
	defer func() {
		for _, s := range stores {
			_ = s.Close()
		}
	}()

	ctx := context.Background()
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		var req ports.ScanRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}

		resp := handle(ctx, stores, rule, req)
		respBytes, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		if _, err := fmt.Fprintln(out, string(respBytes)); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		fmt.Fprintln(out, "READY")
	}
}

func handle(ctx context.Context, stores map[string]*storage.Store, rule scanrule.Rule, req ports.ScanRequest) ports.ScanResponse {
	store, ok := stores[req.DatabasePath]
	if !ok {
		s, err := storage.Open(ctx, req.DatabasePath)
		if err != nil {
			return ports.ScanResponse{RequestID: req.RequestID, Success: false, Error: err.Error()}
		}
		stores[req.DatabasePath] = s
		store = s
	}

	asOf := time.Unix(req.CurrentBarTimestamp, 0).UTC()

	for _, ticker := range req.Tickers {
		bars, err := store.BarsUpTo(ctx, ticker, domain.Timeframe5Min, asOf)
		if err != nil {
			return ports.ScanResponse{RequestID: req.RequestID, Success: false, Error: err.Error()}
		}
		sig, ok, err := scanrule.Evaluate(rule, bars)
		if err != nil {
			return ports.ScanResponse{RequestID: req.RequestID, Success: false, Error: err.Error()}
		}
		if ok {
			return ports.ScanResponse{RequestID: req.RequestID, Success: true, Data: &sig}
		}
	}

	return ports.ScanResponse{RequestID: req.RequestID, Success: true, Data: nil}
}
