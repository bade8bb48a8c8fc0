package suggest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/whisper/assistchat/internal/assist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testDebounce = 50 * time.Millisecond
	waitFor      = 2 * time.Second
)

// completerFunc answers immediately and records every text it was asked for.
type completerFunc struct {
	mu    sync.Mutex
	texts []string
	fn    func(text string) ([]string, error)
}

func (c *completerFunc) Autocomplete(ctx context.Context, text string) ([]string, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return c.fn(text)
}

func (c *completerFunc) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type reply struct {
	items []string
	err   error
}

type pendingCall struct {
	text  string
	ctx   context.Context
	reply chan reply
}

// manualCompleter hands every call to the test, which decides when and how it
// settles. With ignoreCancel set, calls only return once replied to, which
// simulates a slow response arriving after its request was abandoned.
type manualCompleter struct {
	calls        chan *pendingCall
	ignoreCancel bool
}

func newManualCompleter(ignoreCancel bool) *manualCompleter {
	return &manualCompleter{calls: make(chan *pendingCall, 16), ignoreCancel: ignoreCancel}
}

func (m *manualCompleter) Autocomplete(ctx context.Context, text string) ([]string, error) {
	pc := &pendingCall{text: text, ctx: ctx, reply: make(chan reply, 1)}
	m.calls <- pc
	if m.ignoreCancel {
		r := <-pc.reply
		return r.items, r.err
	}
	select {
	case r := <-pc.reply:
		return r.items, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *manualCompleter) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case pc := <-m.calls:
		return pc
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for completer call")
		return nil
	}
}

// watcher records every published snapshot.
type watcher struct {
	ch chan Snapshot
}

func newWatcher() *watcher {
	return &watcher{ch: make(chan Snapshot, 256)}
}

func (w *watcher) onUpdate(s Snapshot) { w.ch <- s }

// until returns the first snapshot in the given state.
func (w *watcher) until(t *testing.T, state State) Snapshot {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-w.ch:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
			return Snapshot{}
		}
	}
}

func newTestCoordinator(t *testing.T, completer Completer, heuristic Heuristic) (*Coordinator, *watcher) {
	t.Helper()
	w := newWatcher()
	c := New(Config{
		Debounce:  testDebounce,
		Timeout:   time.Second,
		Heuristic: heuristic,
		OnUpdate:  w.onUpdate,
	}, completer, nil)
	t.Cleanup(c.Close)
	return c, w
}

func texts(items []Suggestion) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s.Text
	}
	return out
}

func TestDebounce_BurstCollapsesToLastValue(t *testing.T) {
	fc := &completerFunc{fn: func(text string) ([]string, error) { return []string{"reply to " + text}, nil }}
	c, w := newTestCoordinator(t, fc, nil)

	for _, s := range []string{"退", "退款", "退款 ", "退款吗"} {
		c.Input(s)
	}

	snap := w.until(t, Success)
	assert.Equal(t, "退款吗", snap.Text)
	assert.Equal(t, []string{"reply to 退款吗"}, texts(snap.Items))

	time.Sleep(5 * testDebounce)
	assert.Equal(t, []string{"退款吗"}, fc.calls(), "exactly one evaluation per burst")
}

func TestCache_SameTextSkipsNetwork(t *testing.T) {
	fc := &completerFunc{fn: func(string) ([]string, error) { return []string{"a", "b"}, nil }}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("退款")
	first := w.until(t, Success)

	// Reopening the panel re-submits the same text, padded differently.
	c.Input(" 退款 ")
	second := w.until(t, Success)

	assert.Equal(t, first.Items, second.Items)
	assert.Len(t, fc.calls(), 1)
	assert.Equal(t, uint64(1), c.Stats().CacheHits)
}

func TestCache_DroppedWhenTextChanges(t *testing.T) {
	fc := &completerFunc{fn: func(text string) ([]string, error) {
		if text == "fail" {
			return nil, errors.New("boom")
		}
		return []string{"for " + text}, nil
	}}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("one")
	w.until(t, Success)
	c.Input("fail")
	w.until(t, Error)
	c.Input("one")
	snap := w.until(t, Success)

	assert.Equal(t, []string{"for one"}, texts(snap.Items))
	assert.Equal(t, []string{"one", "fail", "one"}, fc.calls())
	assert.Zero(t, c.Stats().CacheHits)
}

func TestCache_DroppedByBlankInput(t *testing.T) {
	fc := &completerFunc{fn: func(text string) ([]string, error) { return []string{"for " + text}, nil }}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("one")
	w.until(t, Success)
	c.Input("   ")
	w.until(t, Empty)
	c.Input("one")
	snap := w.until(t, Success)

	assert.Equal(t, []string{"for one"}, texts(snap.Items))
	assert.Equal(t, []string{"one", "one"}, fc.calls())
	assert.Zero(t, c.Stats().CacheHits)
}

func TestCache_DroppedAfterEmptyResult(t *testing.T) {
	fc := &completerFunc{fn: func(text string) ([]string, error) {
		if text == "nothing" {
			return nil, nil
		}
		return []string{"for " + text}, nil
	}}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("one")
	w.until(t, Success)
	c.Input("nothing")
	w.until(t, Empty)
	c.Input("one")
	w.until(t, Success)

	assert.Equal(t, []string{"one", "nothing", "one"}, fc.calls())
}

func TestStaleResponse_NeverOverwritesNewer(t *testing.T) {
	mc := newManualCompleter(true)
	c, w := newTestCoordinator(t, mc, nil)

	c.Input("A")
	a := mc.next(t)
	c.Input("B")
	b := mc.next(t)
	assert.Error(t, a.ctx.Err(), "issuing B must cancel A")

	b.reply <- reply{items: []string{"from B"}}
	snap := w.until(t, Success)
	assert.Equal(t, []string{"from B"}, texts(snap.Items))

	a.reply <- reply{items: []string{"from A"}}
	require.Eventually(t, func() bool { return c.Stats().Discarded == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"from B"}, texts(c.Snapshot().Items))
	assert.Equal(t, "B", c.Snapshot().Text)
}

func TestStaleResponse_ArrivingFirstIsDiscarded(t *testing.T) {
	mc := newManualCompleter(true)
	c, w := newTestCoordinator(t, mc, nil)

	c.Input("A")
	a := mc.next(t)
	c.Input("B")
	b := mc.next(t)

	a.reply <- reply{items: []string{"from A"}}
	require.Eventually(t, func() bool { return c.Stats().Discarded == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, Requesting, c.Snapshot().State)

	b.reply <- reply{items: []string{"from B"}}
	snap := w.until(t, Success)
	assert.Equal(t, []string{"from B"}, texts(snap.Items))
}

func TestBlankInput_ClearsWithoutNetwork(t *testing.T) {
	fc := &completerFunc{fn: func(string) ([]string, error) { return []string{"x"}, nil }}
	c, w := newTestCoordinator(t, fc, Canned)

	c.Input("退款")
	w.until(t, Success)

	c.Input("   \t")
	snap := w.until(t, Empty)
	assert.Empty(t, snap.Items)
	assert.True(t, snap.NoSuggestions())
	assert.Len(t, fc.calls(), 1)
	assert.Equal(t, uint64(1), c.Stats().Blank)
}

func TestRefundScenario(t *testing.T) {
	want := []string{"您好，请问可以提供订单号或购买时间吗？", "可否请您上传一下商品照片或问题截图？"}
	fc := &completerFunc{fn: func(string) ([]string, error) {
		return []string{want[0], want[1], want[0], ""}, nil
	}}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("退款")
	snap := w.until(t, Success)

	require.Len(t, snap.Items, 2)
	for i, s := range snap.Items {
		assert.Equal(t, want[i], s.Text)
		assert.Equal(t, OriginAI, s.Origin)
	}
}

func TestLocalHeuristics_MergedBeforeAI(t *testing.T) {
	mc := newManualCompleter(false)
	c, w := newTestCoordinator(t, mc, Canned)

	c.Input("退款")
	pending := w.until(t, Requesting)
	assert.True(t, pending.Loading())
	local := Canned.Suggest("退款")
	assert.Equal(t, local, texts(pending.Items))

	pc := mc.next(t)
	pc.reply <- reply{items: []string{local[0], "AI only"}}
	snap := w.until(t, Success)

	assert.Equal(t, append(append([]string{}, local...), "AI only"), texts(snap.Items))
	for _, s := range snap.Items[:len(local)] {
		assert.Equal(t, OriginLocal, s.Origin)
	}
	assert.Equal(t, OriginAI, snap.Items[len(local)].Origin)
}

func TestEmptyAIResult_IsExplicitState(t *testing.T) {
	fc := &completerFunc{fn: func(string) ([]string, error) { return []string{}, nil }}
	c, w := newTestCoordinator(t, fc, nil)

	c.Input("hello")
	snap := w.until(t, Empty)
	assert.True(t, snap.NoSuggestions())
	assert.True(t, snap.AIEmpty())
	assert.NoError(t, snap.Err)

	// Empty results are not cached.
	c.Input("hello")
	w.until(t, Empty)
	assert.Len(t, fc.calls(), 2)
}

func TestEmptyAIResult_KeepsLocalItems(t *testing.T) {
	fc := &completerFunc{fn: func(string) ([]string, error) { return nil, nil }}
	c, w := newTestCoordinator(t, fc, Canned)

	c.Input("退款")
	snap := w.until(t, Empty)
	assert.True(t, snap.AIEmpty())
	assert.False(t, snap.NoSuggestions(), "local replies are still shown")
	assert.Equal(t, Canned.Suggest("退款"), texts(snap.Items))
}

func TestServerError_SettlesAndRecovers(t *testing.T) {
	var (
		mu   sync.Mutex
		fail = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"suggestions":["ok"]}`)
	}))
	defer srv.Close()

	client := assist.New(srv.URL, assist.WithHTTPClient(srv.Client()))
	c, w := newTestCoordinator(t, client, nil)

	c.Input("退款")
	snap := w.until(t, Error)
	var se *assist.StatusError
	require.True(t, errors.As(snap.Err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Empty(t, snap.Items)

	mu.Lock()
	fail = false
	mu.Unlock()

	c.Input("退款吗")
	snap = w.until(t, Success)
	assert.Equal(t, []string{"ok"}, texts(snap.Items))
}

func TestTimeout_AbortsQuietly(t *testing.T) {
	mc := newManualCompleter(false)
	w := newWatcher()
	c := New(Config{Debounce: testDebounce, Timeout: 40 * time.Millisecond, OnUpdate: w.onUpdate}, mc, nil)
	defer c.Close()

	c.Input("slow")
	pc := mc.next(t)

	snap := w.until(t, Aborted)
	assert.NoError(t, snap.Err)
	require.Eventually(t, func() bool { return pc.ctx.Err() != nil }, waitFor, 5*time.Millisecond)
}

func TestTimeout_CompleterIgnoringContext(t *testing.T) {
	mc := newManualCompleter(true)
	w := newWatcher()
	c := New(Config{Debounce: testDebounce, Timeout: 40 * time.Millisecond, OnUpdate: w.onUpdate}, mc, nil)
	defer c.Close()

	c.Input("slow")
	pc := mc.next(t)
	w.until(t, Aborted)

	// The late answer must not resurrect the aborted cycle.
	pc.reply <- reply{items: []string{"late"}}
	require.Eventually(t, func() bool { return c.Stats().Discarded == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, Aborted, c.Snapshot().State)
	assert.Empty(t, c.Snapshot().Items)
}

func TestNewInput_InvalidatesInFlightRequest(t *testing.T) {
	mc := newManualCompleter(false)
	c, w := newTestCoordinator(t, mc, nil)

	c.Input("first")
	pc := mc.next(t)
	c.Input("second")
	w.until(t, Debouncing)

	require.Eventually(t, func() bool { return pc.ctx.Err() != nil }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Superseded)

	mc.next(t).reply <- reply{items: []string{"s"}}
	snap := w.until(t, Success)
	assert.Equal(t, "second", snap.Text)
	assert.NoError(t, snap.Err, "cancellation is never surfaced as an error")
}

func TestClose_CancelsActiveRequest(t *testing.T) {
	mc := newManualCompleter(false)
	c := New(Config{Debounce: testDebounce, Timeout: time.Minute}, mc, nil)

	c.Input("pending")
	pc := mc.next(t)
	c.Close()

	assert.Error(t, pc.ctx.Err())
	c.Input("ignored after close")
	c.Close()
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(Idle, Debouncing))
	assert.True(t, CanTransition(Debouncing, Requesting))
	assert.True(t, CanTransition(Debouncing, Success))
	assert.True(t, CanTransition(Requesting, Aborted))
	assert.True(t, CanTransition(Error, Debouncing))

	assert.False(t, CanTransition(Idle, Requesting))
	assert.False(t, CanTransition(Success, Requesting))
	assert.False(t, CanTransition(Debouncing, Error))
	assert.False(t, CanTransition(Aborted, Success))

	for _, s := range []State{Success, Empty, Error, Aborted} {
		assert.True(t, s.Settled(), s.String())
	}
	assert.False(t, Requesting.Settled())
}
