package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TenantSyncContext carries the per-tenant cycle lock and the status a UI shows
type TenantSyncContext struct {
	TenantID string

	// cycleMu serializes sync cycles of the tenant; Enqueue never takes it
	cycleMu sync.Mutex
	rerun   atomic.Bool

	mu         sync.Mutex
	cancel     context.CancelFunc
	running    bool
	closed     bool
	lastPullAt time.Time
	lastPushAt time.Time
	lastErr    string
	lastErrAt  time.Time
	retryTimer *time.Timer
}

func newTenantSyncContext(tenantID string) *TenantSyncContext {
	return &TenantSyncContext{TenantID: tenantID}
}

// begin marks a cycle as running and returns its cancelable context
func (tc *TenantSyncContext) begin(ctx context.Context) (context.Context, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil, false
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	tc.cancel = cancel
	tc.running = true
	return cycleCtx, true
}

func (tc *TenantSyncContext) end() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.cancel != nil {
		tc.cancel()
		tc.cancel = nil
	}
	tc.running = false
}

// close cancels the running cycle and stops the retry timer. No cycle starts afterwards.
func (tc *TenantSyncContext) close() {
	tc.mu.Lock()
	tc.closed = true
	if tc.cancel != nil {
		tc.cancel()
	}
	if tc.retryTimer != nil {
		tc.retryTimer.Stop()
		tc.retryTimer = nil
	}
	tc.mu.Unlock()

	// wait for the running cycle to observe the cancellation
	tc.cycleMu.Lock()
	defer tc.cycleMu.Unlock()
}

func (tc *TenantSyncContext) record(pullOK, pushOK bool, err error, now time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if pullOK {
		tc.lastPullAt = now
	}
	if pushOK {
		tc.lastPushAt = now
	}
	if err != nil {
		tc.lastErr = err.Error()
		tc.lastErrAt = now
	} else {
		tc.lastErr = ""
	}
}

// armRetry replaces the pending retry timer of the tenant
func (tc *TenantSyncContext) armRetry(delay time.Duration, fire func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	if tc.retryTimer != nil {
		tc.retryTimer.Stop()
	}
	tc.retryTimer = time.AfterFunc(delay, fire)
}

func (tc *TenantSyncContext) stopRetry() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.retryTimer != nil {
		tc.retryTimer.Stop()
		tc.retryTimer = nil
	}
}
