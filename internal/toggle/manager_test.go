package toggle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/dom/domtest"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/injector"
	"github.com/neboloop/chatbridge/internal/types"
)

type memStore struct {
	mu      sync.Mutex
	raw     types.ToggleState
	saves   []types.ToggleState
	loadErr error
}

func (s *memStore) Load(context.Context) (types.ToggleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw, s.loadErr
}

func (s *memStore) Save(_ context.Context, st types.ToggleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = st
	s.saves = append(s.saves, st)
	return nil
}

type fakeArtifacts struct {
	attached []types.Attachment
	detaches int
}

func (f *fakeArtifacts) Attach(_ context.Context, file types.Attachment) bool {
	f.attached = append(f.attached, file)
	return true
}

func (f *fakeArtifacts) DetachAttached(context.Context) int {
	f.detaches++
	return len(f.attached)
}

type surfaceSite struct{}

func (surfaceSite) SurfaceLocators() []dom.Locator { return []dom.Locator{dom.ByCSS("main")} }
func (surfaceSite) Surface() dom.Element           { return dom.Element{ID: "control-surface", Tag: "div"} }

type fixedResolver struct{ a *adapter.Adapter }

func (r fixedResolver) ActivePlugin() *adapter.Adapter { return r.a }

func activeAdapter(t *testing.T) (*adapter.Adapter, *domtest.Document) {
	t.Helper()
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch("main")
	a, err := adapter.New(adapter.Descriptor{Name: "example", Hosts: []string{"chat.example.com"}},
		surfaceSite{}, doc, events.NewBus(), adapter.Options{Injector: injector.Config{HealthInterval: time.Hour}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.True(t, a.Initialize(ctx))
	require.True(t, a.Activate(ctx))
	return a, doc
}

func TestInitForcesMCPDisabled(t *testing.T) {
	store := &memStore{raw: types.ToggleState{MCPEnabled: true, AutoInsert: true, AutoExecute: true}}
	m := New(events.NewBus(), Options{Store: store})
	m.st.MCPEnabled = true

	st := m.Init(context.Background())
	assert.False(t, st.MCPEnabled)
	assert.True(t, st.AutoInsert)
	assert.False(t, st.AutoSubmit)
	assert.True(t, st.AutoExecute)
}

func TestInitLoadFailureKeepsDefaults(t *testing.T) {
	store := &memStore{loadErr: errors.New("disk gone")}
	m := New(events.NewBus(), Options{Store: store})
	assert.Equal(t, types.ToggleState{}, m.Init(context.Background()))
}

func TestPreferencesPersistWithoutMaster(t *testing.T) {
	store := &memStore{}
	bus := events.NewBus()
	m := New(bus, Options{Store: store})
	m.Init(context.Background())
	ctx := context.Background()

	var fields []string
	unsub := m.Subscribe(func(field string, _ types.ToggleState) { fields = append(fields, field) })
	var emitted []events.ToggleChanged
	events.Subscribe(bus, events.TopicToggleChanged, func(_ context.Context, ev events.ToggleChanged) error {
		emitted = append(emitted, ev)
		return nil
	})

	m.SetMCPEnabled(ctx, true)
	m.SetAutoSubmit(ctx, true)
	m.SetAutoSubmit(ctx, true)
	m.SetAutoInsert(ctx, true)

	assert.Equal(t, []string{FieldMCPEnabled, FieldAutoSubmit, FieldAutoInsert}, fields)
	require.Len(t, emitted, 3)
	assert.True(t, emitted[2].State.MCPEnabled)

	require.Len(t, store.saves, 2)
	for _, s := range store.saves {
		assert.False(t, s.MCPEnabled)
	}
	assert.Equal(t, types.ToggleState{AutoInsert: true, AutoSubmit: true}, store.raw)

	unsub()
	m.SetAutoExecute(ctx, true)
	assert.Len(t, fields, 3)
}

func TestSetMCPEnabledDrivesSurfaceAndArtifact(t *testing.T) {
	a, doc := activeAdapter(t)
	arts := &fakeArtifacts{}
	artifact := types.Attachment{Name: "mcp-instructions.md", Content: []byte("# tools")}
	m := New(events.NewBus(), Options{
		Resolver:  fixedResolver{a},
		Artifacts: arts,
		Artifact:  func(context.Context) (types.Attachment, error) { return artifact, nil },
	})
	ctx := context.Background()
	m.Init(ctx)

	m.SetMCPEnabled(ctx, true)
	assert.True(t, m.State().MCPEnabled)
	require.Len(t, arts.attached, 1)
	assert.Equal(t, artifact.Name, arts.attached[0].Name)
	el, ok := doc.Element("control-surface")
	require.True(t, ok)
	assert.True(t, el.Visible)

	m.SetToolEnabled(ctx, "delete", false)
	assert.False(t, m.ToolEnabled("delete"))
	assert.True(t, m.ToolEnabled("search"))

	m.SetMCPEnabled(ctx, false)
	assert.Equal(t, 1, arts.detaches)
	assert.True(t, m.ToolEnabled("delete"))
	el, _ = doc.Element("control-surface")
	assert.False(t, el.Visible)

	m.SetMCPEnabled(ctx, false)
	assert.Equal(t, 1, arts.detaches)
}

func TestReloadKeepsMaster(t *testing.T) {
	store := &memStore{}
	m := New(events.NewBus(), Options{Store: store})
	ctx := context.Background()
	m.Init(ctx)
	m.SetMCPEnabled(ctx, true)

	var fields []string
	m.Subscribe(func(field string, _ types.ToggleState) { fields = append(fields, field) })

	store.raw = types.ToggleState{MCPEnabled: false, AutoSubmit: true}
	require.NoError(t, m.Reload(ctx))
	assert.Equal(t, types.ToggleState{MCPEnabled: true, AutoSubmit: true}, m.State())
	assert.Equal(t, []string{FieldReload}, fields)

	require.NoError(t, m.Reload(ctx))
	assert.Len(t, fields, 1)
}

func TestSetByField(t *testing.T) {
	store := &memStore{}
	m := New(events.NewBus(), Options{Store: store})
	ctx := context.Background()
	m.Init(ctx)

	require.NoError(t, m.Set(ctx, FieldMCPEnabled, true))
	require.NoError(t, m.Set(ctx, FieldAutoInsert, true))
	require.NoError(t, m.Set(ctx, FieldAutoSubmit, true))
	require.NoError(t, m.Set(ctx, FieldAutoExecute, true))
	assert.Equal(t, types.ToggleState{MCPEnabled: true, AutoInsert: true, AutoSubmit: true, AutoExecute: true}, m.State())
	assert.Equal(t, types.ToggleState{AutoInsert: true, AutoSubmit: true, AutoExecute: true}, store.raw)

	assert.ErrorIs(t, m.Set(ctx, FieldTools, true), ErrUnknownField)
	assert.ErrorIs(t, m.Set(ctx, "bogus", true), ErrUnknownField)
}
