package paper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

func TestFanOut_DropsOldestBarWhenInboxFull(t *testing.T) {
	sup := &agentSupervisor{
		agent:   domain.Agent{ID: "agent-1"},
		tickers: map[string]bool{"AAPL": true},
		ring:    map[string][]domain.Bar{"AAPL": nil},
		inbox:   make(chan domain.Bar, 2),
	}
	o := &Orchestrator{supervisors: map[string]*agentSupervisor{"agent-1": sup}}

	base := time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC)
	bar := func(i int) domain.Bar {
		return domain.Bar{Ticker: "AAPL", Timestamp: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(100 + i)}
	}

	// Fill the inbox to capacity, then push one more: the oldest queued bar
	// must be dropped to make room for the newest, not the newest rejected.
	o.fanOut(bar(0))
	o.fanOut(bar(1))
	o.fanOut(bar(2))

	require.Len(t, sup.inbox, 2)
	first := <-sup.inbox
	second := <-sup.inbox
	assert.Equal(t, bar(1).Timestamp, first.Timestamp, "oldest bar (index 0) must have been dropped")
	assert.Equal(t, bar(2).Timestamp, second.Timestamp)
}

func TestFanOut_IgnoresSupervisorsNotWatchingTicker(t *testing.T) {
	watcher := &agentSupervisor{
		agent:   domain.Agent{ID: "agent-watch"},
		tickers: map[string]bool{"AAPL": true},
		inbox:   make(chan domain.Bar, 4),
	}
	other := &agentSupervisor{
		agent:   domain.Agent{ID: "agent-other"},
		tickers: map[string]bool{"MSFT": true},
		inbox:   make(chan domain.Bar, 4),
	}
	o := &Orchestrator{supervisors: map[string]*agentSupervisor{
		"agent-watch": watcher,
		"agent-other": other,
	}}

	o.fanOut(domain.Bar{Ticker: "AAPL", Timestamp: time.Now().UTC()})

	assert.Len(t, watcher.inbox, 1)
	assert.Len(t, other.inbox, 0)
}
