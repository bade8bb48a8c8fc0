// Package suggest turns text-input changes into a ranked, deduplicated list of
// reply suggestions. Input bursts are debounced, at most one AI request is live
// at a time, and a superseded response can never overwrite a newer result.
//
// All coordinator state is owned by a single actor goroutine; Input, Close and
// the request goroutines talk to it over channels.
package suggest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/metrics"
)

// Origin tags where a suggestion came from.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginAI    Origin = "ai"
)

// Suggestion is one candidate reply.
type Suggestion struct {
	Text   string
	Origin Origin
}

// Completer is the asynchronous AI completion service.
type Completer interface {
	Autocomplete(ctx context.Context, text string) ([]string, error)
}

// Config holds tunable parameters for a Coordinator.
type Config struct {
	Debounce  time.Duration // quiet period before a burst is evaluated
	Timeout   time.Duration // per-request deadline, after which it self-aborts
	Heuristic Heuristic     // optional local suggestions; nil disables them
	// OnUpdate is called from the actor goroutine after every state change.
	// It must not call Input or Close.
	OnUpdate func(Snapshot)
}

// DefaultConfig returns a Config with the browser client's timings.
func DefaultConfig() Config {
	return Config{
		Debounce:  500 * time.Millisecond,
		Timeout:   8 * time.Second,
		Heuristic: Canned,
	}
}

// Snapshot is the visible suggestion state.
type Snapshot struct {
	State State
	Text  string // normalized input the items belong to
	Items []Suggestion
	Err   error // set when State is Error
}

// Loading reports whether a request is in flight for the current cycle.
func (s Snapshot) Loading() bool { return s.State == Requesting }

// AIEmpty reports whether the cycle settled without AI items, either because
// the service returned none or because the input was blank. Local heuristic
// items may still be present.
func (s Snapshot) AIEmpty() bool { return s.State == Empty }

// NoSuggestions reports whether the cycle settled empty and nothing at all is
// left to show.
func (s Snapshot) NoSuggestions() bool { return s.State == Empty && len(s.Items) == 0 }

// Stats counts coordinator activity.
type Stats struct {
	Requests   uint64 // network calls issued
	CacheHits  uint64 // evaluations answered from the cache entry
	Blank      uint64 // evaluations skipped for blank input
	Superseded uint64 // tokens invalidated before they settled
	Discarded  uint64 // responses that arrived for an invalidated token
}

// token represents one in-flight request. It is the only handle allowed to
// settle the visible state, and only while it is the active token.
type token struct {
	id     uint64
	text   string
	local  []Suggestion
	cancel context.CancelFunc
	timer  *time.Timer // fires when the request exceeds Config.Timeout
	start  time.Time
}

type result struct {
	tok      *token
	items    []string
	err      error
	timedOut bool
}

// cacheEntry remembers the last successful AI batch for one normalized text.
// It is dropped as soon as a trigger arrives with different text.
type cacheEntry struct {
	text  string
	items []string
	valid bool
}

// Coordinator is the debounced, cancelable suggestion pipeline.
type Coordinator struct {
	config    Config
	completer Completer
	logger    *zap.Logger

	input   chan string
	results chan result
	quit    chan struct{}
	exited  chan struct{}
	once    sync.Once
	reqs    sync.WaitGroup

	mu   sync.RWMutex
	snap Snapshot

	// Owned by the actor goroutine.
	state  State
	active *token
	nextID uint64
	cache  cacheEntry

	requests   atomic.Uint64
	cacheHits  atomic.Uint64
	blank      atomic.Uint64
	superseded atomic.Uint64
	discarded  atomic.Uint64
}

// New creates a Coordinator and starts its actor goroutine.
func New(config Config, completer Completer, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		config:    config,
		completer: completer,
		logger:    logging.OrNop(logger).With(zap.String("component", "suggest")),
		input:     make(chan string, 16),
		results:   make(chan result),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
		snap:      Snapshot{State: Idle, Items: []Suggestion{}},
	}
	go c.run()
	return c
}

// Input reports a raw text-input change. Every call restarts the debounce
// window; only the last text of a burst is evaluated.
func (c *Coordinator) Input(text string) {
	select {
	case c.input <- text:
	case <-c.quit:
	}
}

// Snapshot returns the current visible state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	s.Items = append([]Suggestion(nil), c.snap.Items...)
	return s
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Requests:   c.requests.Load(),
		CacheHits:  c.cacheHits.Load(),
		Blank:      c.blank.Load(),
		Superseded: c.superseded.Load(),
		Discarded:  c.discarded.Load(),
	}
}

// Close stops the coordinator, invalidates the active token and waits for the
// actor and every request goroutine to exit.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.exited
	c.reqs.Wait()
}

func (c *Coordinator) run() {
	defer close(c.exited)

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		latest string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		c.invalidate()
	}()

	for {
		select {
		case <-c.quit:
			return

		case text := <-c.input:
			latest = text
			// A new input starts a new typing session; the in-flight request
			// belongs to stale text.
			c.invalidate()
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(c.config.Debounce)
			fire = timer.C
			c.publish(Snapshot{State: Debouncing, Text: c.snapText(), Items: c.snapItems()})

		case <-fire:
			fire = nil
			c.evaluate(latest)

		case res := <-c.results:
			c.settle(res)

		case <-c.deadline():
			c.expire()
		}
	}
}

// evaluate runs once per debounced burst.
func (c *Coordinator) evaluate(raw string) {
	text := strings.TrimSpace(raw)

	// The cached batch only answers a trigger whose text is unchanged since
	// the previous one.
	if c.cache.valid && c.cache.text != text {
		c.cache = cacheEntry{}
	}

	if text == "" {
		c.invalidate()
		c.blank.Add(1)
		metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeBlank).Inc()
		c.publish(Snapshot{State: Empty, Items: []Suggestion{}})
		return
	}

	local := c.localSuggestions(text)

	if c.cache.valid && c.cache.text == text {
		c.invalidate()
		c.cacheHits.Add(1)
		metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeCacheHit).Inc()
		c.publish(Snapshot{State: Success, Text: text, Items: merge(local, c.cache.items)})
		return
	}

	c.invalidate()
	tok := c.issue(text, local)
	c.publish(Snapshot{State: Requesting, Text: text, Items: append([]Suggestion{}, tok.local...)})
}

// issue creates a new active token and starts its request. The previous token
// has already been invalidated.
func (c *Coordinator) issue(text string, local []Suggestion) *token {
	c.nextID++
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	tok := &token{
		id:     c.nextID,
		text:   text,
		local:  local,
		cancel: cancel,
		timer:  time.NewTimer(c.config.Timeout),
		start:  time.Now(),
	}
	c.active = tok
	c.requests.Add(1)
	c.logger.Debug("request issued", zap.Uint64("token", tok.id), zap.String("text", text))

	c.reqs.Add(1)
	go func() {
		defer c.reqs.Done()
		items, err := c.completer.Autocomplete(ctx, text)
		res := result{
			tok:      tok,
			items:    items,
			err:      err,
			timedOut: err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
		select {
		case c.results <- res:
		case <-c.quit:
		}
	}()
	return tok
}

// invalidate cancels the active token, if any. Its response, should it still
// arrive, is discarded by settle.
func (c *Coordinator) invalidate() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	c.active.timer.Stop()
	c.logger.Debug("request superseded", zap.Uint64("token", c.active.id))
	c.active = nil
	c.superseded.Add(1)
	metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeSuperseded).Inc()
}

// deadline returns the active token's timeout channel, or nil when nothing is
// in flight.
func (c *Coordinator) deadline() <-chan time.Time {
	if c.active == nil {
		return nil
	}
	return c.active.timer.C
}

// expire aborts the active request once it has exceeded Config.Timeout, even
// if the completer has not returned yet.
func (c *Coordinator) expire() {
	tok := c.active
	c.active = nil
	tok.cancel()
	metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeAborted).Inc()
	c.logger.Debug("request timed out", zap.Uint64("token", tok.id))
	c.publish(Snapshot{State: Aborted, Text: tok.text, Items: tok.local})
}

// settle applies a response, but only if it belongs to the active token.
func (c *Coordinator) settle(res result) {
	if res.tok != c.active {
		c.discarded.Add(1)
		c.logger.Debug("stale response discarded", zap.Uint64("token", res.tok.id))
		return
	}
	c.active = nil
	res.tok.cancel()
	res.tok.timer.Stop()
	metrics.SuggestLatency.Observe(time.Since(res.tok.start).Seconds())

	tok := res.tok
	switch {
	case res.timedOut || errors.Is(res.err, context.Canceled):
		metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeAborted).Inc()
		c.logger.Debug("request aborted", zap.Uint64("token", tok.id), zap.Error(res.err))
		c.publish(Snapshot{State: Aborted, Text: tok.text, Items: tok.local})

	case res.err != nil:
		metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeError).Inc()
		c.logger.Warn("suggestion request failed", zap.Uint64("token", tok.id), zap.Error(res.err))
		c.publish(Snapshot{State: Error, Text: tok.text, Items: tok.local, Err: res.err})

	default:
		ai := dedup(res.items)
		if len(ai) == 0 {
			metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeEmpty).Inc()
			c.publish(Snapshot{State: Empty, Text: tok.text, Items: tok.local})
			return
		}
		c.cache = cacheEntry{text: tok.text, items: ai, valid: true}
		metrics.SuggestOutcomes.WithLabelValues(metrics.OutcomeSuccess).Inc()
		c.publish(Snapshot{State: Success, Text: tok.text, Items: merge(tok.local, ai)})
	}
}

// publish moves to snap.State if the transition table allows it and notifies
// the observer.
func (c *Coordinator) publish(snap Snapshot) {
	if !CanTransition(c.state, snap.State) {
		c.logger.Warn("illegal transition refused",
			zap.Stringer("from", c.state), zap.Stringer("to", snap.State))
		return
	}
	if snap.Items == nil {
		snap.Items = []Suggestion{}
	}
	c.state = snap.State

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if c.config.OnUpdate != nil {
		c.config.OnUpdate(c.Snapshot())
	}
}

func (c *Coordinator) snapText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Text
}

func (c *Coordinator) snapItems() []Suggestion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Suggestion{}, c.snap.Items...)
}

func (c *Coordinator) localSuggestions(text string) []Suggestion {
	if c.config.Heuristic == nil {
		return []Suggestion{}
	}
	return tag(dedup(c.config.Heuristic.Suggest(text)), OriginLocal)
}

// dedup drops blank entries and repeated texts, keeping first occurrences.
func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func tag(items []string, origin Origin) []Suggestion {
	out := make([]Suggestion, len(items))
	for i, s := range items {
		out[i] = Suggestion{Text: s, Origin: origin}
	}
	return out
}

// merge appends AI items after the local ones, skipping texts already shown.
func merge(local []Suggestion, ai []string) []Suggestion {
	out := make([]Suggestion, 0, len(local)+len(ai))
	seen := make(map[string]struct{}, len(local)+len(ai))
	for _, s := range local {
		seen[s.Text] = struct{}{}
		out = append(out, s)
	}
	for _, s := range ai {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, Suggestion{Text: s, Origin: OriginAI})
	}
	return out
}
