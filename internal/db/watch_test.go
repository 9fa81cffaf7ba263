package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/types"
)

func TestPrefsWatcherSeesOtherWriters(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.PrefsWatcher(5*time.Millisecond).Watch(ctx, func() { changed <- struct{}{} })
	}()

	wait := func() {
		t.Helper()
		select {
		case <-changed:
		case <-time.After(5 * time.Second):
			t.Fatal("no change notification")
		}
	}
	// The first poll always reports.
	wait()
	require.NoError(t, s.Save(context.Background(), types.ToggleState{AutoSubmit: true}))

	wait()

	// Rewriting the same value is not a change.
	require.NoError(t, s.Save(context.Background(), types.ToggleState{AutoSubmit: true}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, changed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
