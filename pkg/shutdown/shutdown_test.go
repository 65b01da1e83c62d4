package shutdown

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func TestShutdownRunsHooksLIFO(t *testing.T) {
	m := New(time.Second, quietLogger())

	var order []string
	m.Register("first", func(ctx context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(ctx context.Context) error { order = append(order, "second"); return nil })

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownRunsOnceUnderConcurrency(t *testing.T) {
	m := New(time.Second, quietLogger())

	var calls int32
	m.Register("join", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return errors.New("worker exited 1")
	})

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Shutdown()
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, err := range results {
		assert.ErrorContains(t, err, "worker exited 1")
	}
}

func TestTriggerIsIdempotent(t *testing.T) {
	m := New(time.Second, quietLogger())

	assert.True(t, m.Trigger("interrupt"))
	assert.False(t, m.Trigger("terminated"))
	assert.Equal(t, "interrupt", m.Reason())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done channel should be closed after Trigger")
	}
}

func TestListenCancelsContextOnTrigger(t *testing.T) {
	m := New(time.Second, quietLogger())

	ctx, stop := m.Listen(context.Background())
	defer stop()

	m.Trigger("test")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled after Trigger")
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestCloseResource(t *testing.T) {
	c := &closer{}
	require.NoError(t, CloseResource(c)(context.Background()))
	assert.True(t, c.closed)
}
