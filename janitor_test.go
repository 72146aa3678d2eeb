package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/metrics"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (p *fakePruner) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.n, p.err
}

func (p *fakePruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestPruneOnce(t *testing.T) {
	m := metrics.New()
	p := &fakePruner{n: 3}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.EqualValues(t, 3, pruneOnce(context.Background(), p, 24*time.Hour, now, m))
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), p.cutoffs[0])
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PrunedDeliveries))

	p.err = errors.New("db locked")
	assert.Zero(t, pruneOnce(context.Background(), p, 24*time.Hour, now, m))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PrunedDeliveries))
}

func TestRunJanitorStopsWithContext(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runJanitor(ctx, p, time.Hour, 5*time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
