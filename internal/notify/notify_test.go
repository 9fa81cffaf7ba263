package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/dom/domtest"
)

type detachedDoc struct{ dom.Document }

func (detachedDoc) Toast(context.Context, string, dom.ToastLevel) error {
	return errors.New("target closed")
}

func TestPageToastsIntoDocument(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	p := NewPage(doc, "chatbridge")
	var sent int
	p.send = func(string, string) { sent++ }

	p.Notify(context.Background(), dom.ToastSuccess, "inserted")
	assert.Equal(t, []string{"success: inserted"}, doc.Toasts())
	assert.Zero(t, sent)
}

func TestPageFallsBackForErrorsOnly(t *testing.T) {
	p := NewPage(detachedDoc{}, "chatbridge")
	var bodies []string
	p.send = func(_ string, body string) { bodies = append(bodies, body) }

	p.Notify(context.Background(), dom.ToastInfo, "fyi")
	p.Notify(context.Background(), dom.ToastError, "insert failed")
	assert.Equal(t, []string{"insert failed"}, bodies)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "it’s", sanitize(`it's\`))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, sanitize(string(long)), 259)
}
