// Package insights runs on-demand conversational analysis requests. Calls are
// user-triggered and rare, so there is no debouncing or caching. Overlapping
// calls are allowed and the last response to arrive wins.
package insights

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/assist"
	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/metrics"
)

// Analyzer is the external analysis service.
type Analyzer interface {
	Analyze(ctx context.Context) ([]assist.Analysis, error)
}

// Status is the phase of the most recent request.
type Status int

const (
	Idle Status = iota
	Loading
	Ready
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryMessage is the status text shown after a failed request.
const RetryMessage = "analysis failed, please try again"

// Snapshot is the visible insights state.
type Snapshot struct {
	Status   Status
	Analyses []assist.Analysis
	Message  string // retryable status text when Status is Failed
	Err      error
}

// Requester issues one-shot analysis requests.
type Requester struct {
	analyzer Analyzer
	timeout  time.Duration
	onUpdate func(Snapshot)
	logger   *zap.Logger

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc

	mu     sync.Mutex
	snap   Snapshot
	closed bool // guarded by mu; wg.Add only happens while false
	wg     sync.WaitGroup
}

// New creates a Requester. onUpdate, if non-nil, is called after every state
// change from the goroutine that caused it.
func New(analyzer Analyzer, timeout time.Duration, onUpdate func(Snapshot), logger *zap.Logger) *Requester {
	ctx, cancel := context.WithCancel(context.Background())
	return &Requester{
		ctx:      ctx,
		cancel:   cancel,
		analyzer: analyzer,
		timeout:  timeout,
		onUpdate: onUpdate,
		logger:   logging.OrNop(logger).With(zap.String("component", "insights")),
		snap:     Snapshot{Status: Idle, Analyses: []assist.Analysis{}},
	}
}

// Request starts an analysis in the background and returns immediately. It
// does nothing after Close.
func (r *Requester) Request() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.set(Snapshot{Status: Loading, Analyses: r.Snapshot().Analyses})
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		_, _ = r.Fetch(ctx)
	}()
}

// Fetch runs one analysis synchronously, records its outcome and returns it.
func (r *Requester) Fetch(ctx context.Context) ([]assist.Analysis, error) {
	analyses, err := r.analyzer.Analyze(ctx)
	if err != nil {
		metrics.InsightsOutcomes.WithLabelValues(metrics.OutcomeError).Inc()
		r.logger.Warn("analysis failed", zap.Error(err))
		r.set(Snapshot{Status: Failed, Analyses: []assist.Analysis{}, Message: RetryMessage, Err: err})
		return nil, fmt.Errorf("insights: %w", err)
	}

	if analyses == nil {
		analyses = []assist.Analysis{}
	}
	metrics.InsightsOutcomes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	r.set(Snapshot{Status: Ready, Analyses: analyses})
	return analyses, nil
}

// Snapshot returns the current state.
func (r *Requester) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Analyses = append([]assist.Analysis{}, r.snap.Analyses...)
	return s
}

// Wait blocks until every background request has finished. It must not run
// concurrently with Request; Close is safe to call at any time.
func (r *Requester) Wait() {
	r.wg.Wait()
}

// Close cancels outstanding background requests and waits for them.
func (r *Requester) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Requester) set(s Snapshot) {
	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate(r.Snapshot())
	}
}
