package messenger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://mail.google.com"

type outcome struct {
	pixel   string
	matched bool
	err     error
}

func runCheck(ctx context.Context, m *Messenger, id, body string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		pixel, matched, err := m.CheckWithID(ctx, id, body)
		out <- outcome{pixel, matched, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("check did not complete")
		return outcome{}
	}
}

// respond plays the content bridge: it answers check requests posted on win.
func respond(win *page.Window, answer func(req *contracts.Envelope) *contracts.Envelope) {
	win.AddListener(func(ev page.MessageEvent) {
		env, err := contracts.Decode(ev.Data)
		if err != nil || env.From != contracts.SourceCheck {
			return
		}
		if reply := answer(env); reply != nil {
			win.PostMessage(reply.Tagged(contracts.SourceResponse), win.Origin())
		}
	})
}

func newTestMessenger(t *testing.T, opts ...Option) (*Messenger, *page.Window, *clock.Mock) {
	t.Helper()
	win := page.NewWindow(origin)
	mock := clock.NewMock()
	m := New(win, append([]Option{WithClock(mock)}, opts...)...)
	t.Cleanup(func() {
		m.Close()
		win.Close()
	})
	return m, win, mock
}

func TestCheckResolves(t *testing.T) {
	t.Run("resolves with the matched pixel", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			assert.Equal(t, "<img src=x>", req.Body)
			return contracts.NewResponse(req.ID, "http://tracker.example/pixel.gif", true)
		})

		o := await(t, runCheck(context.Background(), m, "abc", "<img src=x>"))

		require.NoError(t, o.err)
		assert.True(t, o.matched)
		assert.Equal(t, "http://tracker.example/pixel.gif", o.pixel)
		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("resolves with no match", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			return contracts.NewResponse(req.ID, "", false)
		})

		o := await(t, runCheck(context.Background(), m, "abc", "plain text"))

		require.NoError(t, o.err)
		assert.False(t, o.matched)
		assert.Empty(t, o.pixel)
	})

	t.Run("empty pixel resolves with no match", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			empty := ""
			return &contracts.Envelope{Kind: contracts.KindResponse, ID: req.ID, Pixel: &empty}
		})

		o := await(t, runCheck(context.Background(), m, "abc", "<img src=x>"))

		require.NoError(t, o.err)
		assert.False(t, o.matched)
		assert.Empty(t, o.pixel)
	})

	t.Run("Check generates fresh ids", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]bool{}
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			mu.Lock()
			seen[req.ID] = true
			mu.Unlock()
			return contracts.NewResponse(req.ID, "", false)
		})

		for i := 0; i < 3; i++ {
			_, _, err := m.Check(context.Background(), "body")
			require.NoError(t, err)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, 3)
	})

	t.Run("error response resolves as no match", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			return contracts.NewErrorResponse(req.ID, contracts.ProcessingFailedMessage)
		})

		o := await(t, runCheck(context.Background(), m, "abc", "body"))

		require.NoError(t, o.err)
		assert.False(t, o.matched)
	})

	t.Run("strict errors surface the processing error", func(t *testing.T) {
		m, win, _ := newTestMessenger(t, WithStrictErrors(true))
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			return contracts.NewErrorResponse(req.ID, contracts.ProcessingFailedMessage)
		})

		o := await(t, runCheck(context.Background(), m, "abc", "body"))

		var procErr *contracts.ProcessingError
		require.ErrorAs(t, o.err, &procErr)
		assert.Equal(t, "abc", procErr.ID)
		assert.Equal(t, contracts.ProcessingFailedMessage, procErr.Message)
	})
}

func TestCheckTimeout(t *testing.T) {
	t.Run("rejects after the wait budget and forgets the id", func(t *testing.T) {
		m, _, mock := newTestMessenger(t)

		out := runCheck(context.Background(), m, "def", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		mock.Add(DefaultTimeout - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 1, m.PendingCount())

		mock.Add(time.Millisecond)
		o := await(t, out)

		assert.ErrorIs(t, o.err, contracts.ErrTimeout)
		var timeoutErr *contracts.TimeoutError
		require.ErrorAs(t, o.err, &timeoutErr)
		assert.Equal(t, "def", timeoutErr.ID)
		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("late responses are dropped", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)

		out := runCheck(context.Background(), m, "def", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)
		mock.Add(DefaultTimeout)
		o := await(t, out)
		require.ErrorIs(t, o.err, contracts.ErrTimeout)

		late := contracts.NewResponse("def", "px", true).Tagged(contracts.SourceResponse)
		require.NoError(t, win.PostMessage(late, origin))
		time.Sleep(20 * time.Millisecond)

		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("custom wait budget", func(t *testing.T) {
		m, _, mock := newTestMessenger(t, WithTimeout(100*time.Millisecond))

		out := runCheck(context.Background(), m, "short", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)
		mock.Add(100 * time.Millisecond)

		assert.ErrorIs(t, await(t, out).err, contracts.ErrTimeout)
	})
}

func TestCheckIndependence(t *testing.T) {
	t.Run("concurrent ids resolve independently", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			if req.Body == "answered" {
				return contracts.NewResponse(req.ID, "pixel-"+req.ID, true)
			}
			return nil
		})

		answered := map[string]<-chan outcome{}
		silent := map[string]<-chan outcome{}
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("req-%d", i)
			if i%2 == 0 {
				answered[id] = runCheck(context.Background(), m, id, "answered")
			} else {
				silent[id] = runCheck(context.Background(), m, id, "silent")
			}
		}

		for id, out := range answered {
			o := await(t, out)
			require.NoError(t, o.err)
			assert.Equal(t, "pixel-"+id, o.pixel)
		}
		require.Eventually(t, func() bool { return m.PendingCount() == len(silent) }, time.Second, time.Millisecond)

		mock.Add(DefaultTimeout)
		for _, out := range silent {
			assert.ErrorIs(t, await(t, out).err, contracts.ErrTimeout)
		}
		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("responses for unknown ids are ignored", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)

		out := runCheck(context.Background(), m, "mine", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		stray := contracts.NewResponse("someone-else", "px", true).Tagged(contracts.SourceResponse)
		require.NoError(t, win.PostMessage(stray, origin))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, m.PendingCount())

		mock.Add(DefaultTimeout)
		assert.ErrorIs(t, await(t, out).err, contracts.ErrTimeout)
	})

	t.Run("duplicate responses resolve once", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		respond(win, func(req *contracts.Envelope) *contracts.Envelope {
			dup := contracts.NewResponse(req.ID, "second", true).Tagged(contracts.SourceResponse)
			win.PostMessage(contracts.NewResponse(req.ID, "first", true).Tagged(contracts.SourceResponse), origin)
			win.PostMessage(dup, origin)
			return nil
		})

		o := await(t, runCheck(context.Background(), m, "abc", "body"))
		require.NoError(t, o.err)
		assert.Equal(t, "first", o.pixel)
		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("duplicate in-flight ids are refused", func(t *testing.T) {
		m, _, _ := newTestMessenger(t, WithTeardownPolicy(TeardownReject))

		runCheck(context.Background(), m, "same", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		_, _, err := m.CheckWithID(context.Background(), "same", "body")
		assert.ErrorIs(t, err, contracts.ErrDuplicateID)
		assert.Equal(t, 1, m.PendingCount())
	})

	t.Run("empty id is refused", func(t *testing.T) {
		m, _, _ := newTestMessenger(t)

		_, _, err := m.CheckWithID(context.Background(), "", "body")
		assert.ErrorIs(t, err, contracts.ErrMissingID)
	})
}

func TestCheckSecurityBoundary(t *testing.T) {
	t.Run("responses from another origin never resolve a check", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)

		out := runCheck(context.Background(), m, "abc", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		forged := contracts.NewResponse("abc", "forged", true).Tagged(contracts.SourceResponse)
		require.NoError(t, win.Deliver("https://evil.example", forged, page.AnyOrigin))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, m.PendingCount())

		mock.Add(DefaultTimeout)
		assert.ErrorIs(t, await(t, out).err, contracts.ErrTimeout)
	})

	t.Run("untagged or request envelopes are ignored", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)

		out := runCheck(context.Background(), m, "abc", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, win.PostMessage(contracts.NewResponse("abc", "px", true), origin))
		require.NoError(t, win.PostMessage(map[string]string{"id": "abc", "from": contracts.SourceResponse}, origin))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, m.PendingCount())

		mock.Add(DefaultTimeout)
		assert.ErrorIs(t, await(t, out).err, contracts.ErrTimeout)
	})
}

func TestCheckCancellation(t *testing.T) {
	t.Run("context cancellation removes the entry", func(t *testing.T) {
		m, _, _ := newTestMessenger(t)
		ctx, cancel := context.WithCancel(context.Background())

		out := runCheck(ctx, m, "abc", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)
		cancel()

		assert.ErrorIs(t, await(t, out).err, context.Canceled)
		assert.Equal(t, 0, m.PendingCount())
	})

	t.Run("send failure removes the entry", func(t *testing.T) {
		m, win, _ := newTestMessenger(t)
		win.Close()

		_, _, err := m.CheckWithID(context.Background(), "abc", "body")
		assert.ErrorIs(t, err, page.ErrWindowClosed)
		assert.Equal(t, 0, m.PendingCount())
	})
}

func TestClose(t *testing.T) {
	t.Run("abandon leaves waiters unresolved", func(t *testing.T) {
		m, win, mock := newTestMessenger(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		out := runCheck(ctx, m, "abc", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, m.Close())
		assert.Equal(t, 0, m.PendingCount())
		assert.Equal(t, 0, win.ListenerCount())

		mock.Add(2 * DefaultTimeout)
		select {
		case <-out:
			t.Fatal("abandoned check must not be resolved")
		case <-time.After(20 * time.Millisecond):
		}

		cancel()
		assert.ErrorIs(t, await(t, out).err, context.Canceled)
	})

	t.Run("reject fails waiters", func(t *testing.T) {
		m, _, _ := newTestMessenger(t, WithTeardownPolicy(TeardownReject))

		out := runCheck(context.Background(), m, "abc", "body")
		require.Eventually(t, func() bool { return m.PendingCount() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, m.Close())

		assert.ErrorIs(t, await(t, out).err, contracts.ErrTornDown)
	})

	t.Run("checks after close are refused", func(t *testing.T) {
		m, _, _ := newTestMessenger(t)
		require.NoError(t, m.Close())
		require.NoError(t, m.Close())

		_, _, err := m.Check(context.Background(), "body")
		assert.ErrorIs(t, err, contracts.ErrTornDown)
	})

	t.Run("instances do not share state", func(t *testing.T) {
		a, _, _ := newTestMessenger(t, WithTeardownPolicy(TeardownReject))
		b, _, _ := newTestMessenger(t)

		runCheck(context.Background(), a, "abc", "body")
		require.Eventually(t, func() bool { return a.PendingCount() == 1 }, time.Second, time.Millisecond)

		assert.Equal(t, 0, b.PendingCount())
	})

	t.Run("policy names", func(t *testing.T) {
		assert.Equal(t, "abandon", TeardownAbandon.String())
		assert.Equal(t, "reject", TeardownReject.String())

		for _, p := range []TeardownPolicy{TeardownAbandon, TeardownReject} {
			parsed, err := ParseTeardownPolicy(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, parsed)
		}
		_, err := ParseTeardownPolicy("ignore")
		assert.Error(t, err)
	})
}
