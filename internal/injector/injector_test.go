package injector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/dom/domtest"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

const anchor = "#composer"

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) attach(bus *events.Bus) {
	bus.SubscribeAll(func(_ context.Context, env events.Envelope) error {
		r.mu.Lock()
		r.topics = append(r.topics, env.Topic)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestInjector(t *testing.T, doc *domtest.Document, cfg Config) (*Injector, *recorder) {
	t.Helper()
	bus := events.NewBus()
	rec := &recorder{}
	rec.attach(bus)

	if cfg.Element.ID == "" {
		cfg.Element = dom.Element{ID: "control-surface", Tag: "div", Position: dom.Append}
	}
	if cfg.Locators == nil {
		cfg.Locators = []dom.Locator{dom.ByCSS(anchor)}
	}
	inj, err := New(doc, bus, cfg, nil)
	require.NoError(t, err)
	inj.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return inj, rec
}

func TestMountInsertsOnce(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	inj, rec := newTestInjector(t, doc, Config{})

	require.NoError(t, inj.Mount(context.Background()))
	require.NoError(t, inj.Mount(context.Background()))

	assert.Equal(t, 1, doc.Inserts())
	assert.Equal(t, PhaseHealthy, inj.Phase())
	assert.Equal(t, 1, rec.count(events.TopicInjectionMounted))
	assert.Equal(t, "css:#composer", inj.Target().Anchor)
}

func TestMountWhenElementAlreadyPresentDoesNothing(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	require.NoError(t, doc.Insert(context.Background(), dom.Node{Ref: anchor}, dom.Element{ID: "control-surface"}))
	inj, _ := newTestInjector(t, doc, Config{})

	before := doc.FindCalls()
	require.NoError(t, inj.Mount(context.Background()))

	assert.Equal(t, 1, doc.Inserts())
	assert.Equal(t, before, doc.FindCalls())
}

func TestMountRetriesThenSucceeds(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	doc.FailFinds(3)
	inj, _ := newTestInjector(t, doc, Config{MaxRetries: 5})

	var delays []time.Duration
	inj.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, inj.Mount(context.Background()))
	assert.Equal(t, 4, doc.FindCalls())
	assert.Equal(t, []time.Duration{DefaultRetryDelay, 2 * DefaultRetryDelay, 3 * DefaultRetryDelay}, delays)
}

func TestMountExhaustionEmitsOneFailure(t *testing.T) {
	const bound = 3
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	doc.FailFinds(bound + 1)
	inj, rec := newTestInjector(t, doc, Config{MaxRetries: bound})

	err := inj.Mount(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInjectionFailure))
	assert.Equal(t, bound+1, doc.FindCalls())
	assert.Equal(t, 1, rec.count(events.TopicInjectionFailure))
	assert.Equal(t, PhaseFailed, inj.Phase())
	assert.Equal(t, 0, doc.Inserts())

	// Nothing further happens until a recheck is triggered.
	assert.Equal(t, bound+1, doc.FindCalls())

	require.NoError(t, inj.Recheck(context.Background()))
	assert.Equal(t, 1, doc.Inserts())
	assert.Equal(t, 1, rec.count(events.TopicInjectionFailure))
}

func TestRepeatedHealFailuresReportOnce(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	inj, rec := newTestInjector(t, doc, Config{MaxRetries: 1, HealRetries: 1})

	require.Error(t, inj.Mount(context.Background()))
	require.Error(t, inj.Recheck(context.Background()))
	require.Error(t, inj.Recheck(context.Background()))

	assert.Equal(t, 1, rec.count(events.TopicInjectionFailure))
	assert.Equal(t, 3, inj.Stats().Failures)
}

func TestHealAfterExternalRemoval(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	inj, rec := newTestInjector(t, doc, Config{HealthInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, inj.Start(ctx))
	require.Equal(t, 1, doc.Inserts())

	doc.ExternalRemove("control-surface")

	require.Eventually(t, func() bool {
		ok, _ := doc.Exists(ctx, "control-surface")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, doc.Inserts())
	assert.Eventually(t, func() bool { return rec.count(events.TopicInjectionHealed) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, inj.Stats().Heals)
}

func TestHealthTimerRemountsWithoutObserver(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	inj, _ := newTestInjector(t, doc, Config{HealthInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, inj.Start(ctx))
	require.Equal(t, 1, doc.Inserts())

	doc.Detach("control-surface")

	require.Eventually(t, func() bool { return doc.Inserts() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, inj.Stats().Heals)
}

func TestStopCancelsObserverAndTimer(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	inj, rec := newTestInjector(t, doc, Config{HealthInterval: 5 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, inj.Start(ctx))
	done := inj.Done()
	require.NoError(t, inj.Stop(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heal goroutine did not exit")
	}

	ok, _ := doc.Exists(ctx, "control-surface")
	assert.False(t, ok)
	assert.Equal(t, 0, doc.ObserverCount())
	assert.Equal(t, PhaseStopped, inj.Phase())
	assert.Equal(t, 1, rec.count(events.TopicInjectionRemoved))

	inserts := doc.Inserts()
	doc.Mutate()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, inserts, doc.Inserts())
}

func TestInitialFailureKeepsHealing(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	inj, _ := newTestInjector(t, doc, Config{MaxRetries: 1, HealthInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, inj.Start(ctx))
	assert.GreaterOrEqual(t, inj.Stats().Failures, 1)

	doc.AddMatch(anchor)
	require.Eventually(t, func() bool { return inj.Phase() == PhaseHealthy }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, doc.Inserts())
}

func TestVisibilitySurvivesRemount(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch(anchor)
	inj, _ := newTestInjector(t, doc, Config{})
	ctx := context.Background()

	require.NoError(t, inj.Mount(ctx))
	require.NoError(t, inj.SetVisible(ctx, false))
	el, _ := doc.Element("control-surface")
	assert.False(t, el.Visible)

	require.NoError(t, doc.Remove(ctx, "control-surface"))
	require.NoError(t, inj.Recheck(ctx))
	el, ok := doc.Element("control-surface")
	require.True(t, ok)
	assert.False(t, el.Visible)
}

// stopOnInsert stops the injector from another goroutine while the first insert
// is in flight, and lets the insert through once Stop has marked the phase.
type stopOnInsert struct {
	*domtest.Document
	inj     *Injector
	once    sync.Once
	stopped chan error
}

func (d *stopOnInsert) Insert(ctx context.Context, anchor dom.Node, el dom.Element) error {
	d.once.Do(func() {
		go func() { d.stopped <- d.inj.Stop(ctx) }()
		for d.inj.Phase() != PhaseStopped {
			time.Sleep(time.Millisecond)
		}
	})
	return d.Document.Insert(ctx, anchor, el)
}

func TestStopDuringMountStaysStopped(t *testing.T) {
	base := domtest.New("https://chat.example.com/")
	base.AddMatch(anchor)
	doc := &stopOnInsert{Document: base, stopped: make(chan error, 1)}

	inj, err := New(doc, events.NewBus(), Config{
		Element:  dom.Element{ID: "control-surface", Tag: "div", Position: dom.Append},
		Locators: []dom.Locator{dom.ByCSS(anchor)},
	}, nil)
	require.NoError(t, err)
	doc.inj = inj

	require.NoError(t, inj.Mount(context.Background()))

	select {
	case err := <-doc.stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop did not finish")
	}
	assert.Equal(t, PhaseStopped, inj.Phase())
	_, mounted := base.Element("control-surface")
	assert.False(t, mounted)
	assert.False(t, inj.Running())
}
