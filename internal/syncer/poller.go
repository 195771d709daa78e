package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkemails/zkemails/internal/transport"
)

// PollState represents the current state of the background sync loop.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

// PollStatus is a snapshot of the poller's state.
type PollStatus struct {
	State      PollState
	LastSync   time.Time
	LastResult SyncResult
	Err        error

	// AuthFailed is set when the last failure was an authentication
	// rejection, which a retry cannot fix.
	AuthFailed bool
}

// Runner is the sync entry point the poller drives.
type Runner interface {
	Sync(ctx context.Context) (SyncResult, error)
}

// syncTimeout bounds a single sync pass.
const syncTimeout = 30 * time.Second

// Poller runs sync passes on an interval with manual refresh on demand.
type Poller struct {
	runner   Runner
	interval time.Duration

	resultCh  chan SyncResult
	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      sync.Mutex
	running bool
	status  PollStatus
}

// NewPoller creates a poller driving the runner every interval.
func NewPoller(runner Runner, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Poller{
		runner:    runner,
		interval:  interval,
		resultCh:  make(chan SyncResult, 16),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine. The first sync runs immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the polling goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// Refresh requests an immediate sync pass. A pending request is not
// queued twice.
func (p *Poller) Refresh() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Results returns the channel carrying each completed pass's result.
// Results are dropped, not blocked on, when the consumer falls behind.
func (p *Poller) Results() <-chan SyncResult {
	return p.resultCh
}

// Status returns a snapshot of the poller's current state.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runOnce()
		case <-p.triggerCh:
			p.runOnce()
		}
	}
}

func (p *Poller) runOnce() {
	p.setState(PollRunning, SyncResult{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	result, err := p.runner.Sync(ctx)
	if err != nil {
		logrus.WithError(err).Warn("sync pass failed")
		p.setState(PollError, SyncResult{}, err)
		return
	}

	p.setState(PollIdle, result, nil)
	select {
	case p.resultCh <- result:
	default:
	}
}

func (p *Poller) setState(state PollState, result SyncResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.State = state
	p.status.Err = err
	p.status.AuthFailed = err != nil && transport.IsAuthError(err)
	if state == PollIdle {
		p.status.LastSync = time.Now()
		p.status.LastResult = result
	}
}
