package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/uglyemail-go/background"
	"github.com/glimte/uglyemail-go/bridge"
	"github.com/glimte/uglyemail-go/contracts"
	"github.com/glimte/uglyemail-go/messenger"
	"github.com/glimte/uglyemail-go/page"
	"github.com/glimte/uglyemail-go/trackers"
	"github.com/glimte/uglyemail-go/transport"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signatures = `
version: "1"
trackers:
  - name: generic
    patterns:
      - '/open\.gif$'
`

type fixture struct {
	server   *Server
	http     *httptest.Server
	url      string
	accepted chan transport.Channel
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	f := &fixture{accepted: make(chan transport.Channel, 8)}
	f.server = NewServer(func(ch transport.Channel) { f.accepted <- ch }, opts...)
	f.http = httptest.NewServer(f.server.Handler())
	f.url = "ws" + strings.TrimPrefix(f.http.URL, "http")
	t.Cleanup(func() {
		f.server.Close()
		f.http.Close()
	})
	return f
}

func (f *fixture) serverEnd(t *testing.T) transport.Channel {
	t.Helper()
	select {
	case ch := <-f.accepted:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no channel accepted")
		return nil
	}
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)

	client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
	require.NoError(t, err)
	defer client.Close()
	server := f.serverEnd(t)
	assert.Equal(t, "ugly-email", server.Name())

	requests := make(chan *contracts.Envelope, 1)
	server.OnMessage(func(env *contracts.Envelope) {
		requests <- env
		server.Post(context.Background(), contracts.NewResponse(env.ID, "http://t.example/open.gif", true))
	})
	replies := make(chan *contracts.Envelope, 1)
	client.OnMessage(func(env *contracts.Envelope) { replies <- env })

	require.NoError(t, client.Post(context.Background(), contracts.NewRequest("abc", "<img>").Tagged(contracts.SourceCheck)))

	req := <-requests
	assert.Equal(t, "abc", req.ID)
	assert.Equal(t, contracts.SourceCheck, req.From)

	select {
	case reply := <-replies:
		pixel, ok := reply.PixelValue()
		assert.True(t, ok)
		assert.Equal(t, "http://t.example/open.gif", pixel)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	assert.Equal(t, 1, f.server.ActiveConnections())
}

func TestDisconnects(t *testing.T) {
	t.Run("server close with reason reaches the client as an error", func(t *testing.T) {
		f := newFixture(t)
		client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
		require.NoError(t, err)
		server := f.serverEnd(t)

		gone := make(chan error, 1)
		client.OnDisconnect(func(err error) { gone <- err })
		require.NoError(t, server.(*Conn).CloseWithReason("port closed"))

		select {
		case err := <-gone:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "port closed")
			var connErr *contracts.ConnectionError
			assert.ErrorAs(t, err, &connErr)
		case <-time.After(2 * time.Second):
			t.Fatal("client not notified")
		}
	})

	t.Run("client close is an orderly disconnect for the server", func(t *testing.T) {
		f := newFixture(t)
		client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
		require.NoError(t, err)
		server := f.serverEnd(t)

		gone := make(chan error, 1)
		server.OnDisconnect(func(err error) { gone <- err })
		require.NoError(t, client.Close())

		select {
		case err := <-gone:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server not notified")
		}
		assert.Eventually(t, func() bool { return f.server.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("post after close", func(t *testing.T) {
		f := newFixture(t)
		client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
		require.NoError(t, err)
		require.NoError(t, client.Close())

		err = client.Post(context.Background(), contracts.NewRequest("abc", ""))
		assert.ErrorIs(t, err, transport.ErrClosed)
	})

	t.Run("server shutdown closes channels and refuses new ones", func(t *testing.T) {
		f := newFixture(t)
		client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
		require.NoError(t, err)
		f.serverEnd(t)

		gone := make(chan error, 1)
		client.OnDisconnect(func(err error) { gone <- err })
		require.NoError(t, f.server.Close())

		select {
		case err := <-gone:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("client not notified")
		}

		_, err = NewDialer(f.url).Dial(context.Background(), "ugly-email")
		assert.ErrorIs(t, err, transport.ErrNoListener)
	})
}

func TestDialFailures(t *testing.T) {
	t.Run("nothing listening", func(t *testing.T) {
		f := newFixture(t)
		url := f.url
		f.http.Close()

		_, err := NewDialer(url).Dial(context.Background(), "ugly-email")
		assert.Error(t, err)
	})

	t.Run("foreign origin is refused", func(t *testing.T) {
		f := newFixture(t, WithAllowedOrigins("https://mail.google.com"))

		for _, origin := range []string{
			"https://evil.example",
			"https://mail.google.com.evil.example",
			"https://mail.google.com:8443",
			"http://mail.google.com",
			"null",
		} {
			_, err := NewDialer(f.url, WithHeader("Origin", origin)).Dial(context.Background(), "ugly-email")
			assert.Error(t, err, origin)
		}

		ch, err := NewDialer(f.url, WithHeader("Origin", "https://mail.google.com")).Dial(context.Background(), "ugly-email")
		require.NoError(t, err)
		ch.Close()
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewDialer(f.url).Dial(ctx, "ugly-email")
		assert.Error(t, err)
	})
}

func TestMalformedFramesAreDropped(t *testing.T) {
	f := newFixture(t)

	raw, _, err := gorilla.DefaultDialer.Dial(f.url+"/connect/ugly-email", nil)
	require.NoError(t, err)
	defer raw.Close()
	server := f.serverEnd(t)

	got := make(chan *contracts.Envelope, 4)
	server.OnMessage(func(env *contracts.Envelope) { got <- env })

	require.NoError(t, raw.WriteMessage(gorilla.TextMessage, []byte("not json")))
	require.NoError(t, raw.WriteMessage(gorilla.TextMessage, []byte(`{"kind":"request"}`)))
	require.NoError(t, raw.WriteMessage(gorilla.TextMessage, []byte(`{"kind":"request","id":"ok","body":"b"}`)))

	select {
	case env := <-got:
		assert.Equal(t, "ok", env.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	assert.Len(t, got, 0)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	client, err := NewDialer(f.url).Dial(context.Background(), "ugly-email")
	require.NoError(t, err)
	defer client.Close()
	f.serverEnd(t)

	resp, err := http.Get(f.http.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status["channels"])
}

func TestCheckOverWebsocket(t *testing.T) {
	registry := trackers.New(trackers.WithSource(trackers.Bytes([]byte(signatures))))
	svc := background.NewService(registry)
	defer svc.Close()

	srv := NewServer(svc.Accept)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	win := page.NewWindow("https://mail.google.com")
	defer win.Close()

	b := bridge.New(win, NewDialer("ws"+strings.TrimPrefix(ts.URL, "http")))
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()
	require.Eventually(t, func() bool { return b.State() == bridge.StateConnected }, 2*time.Second, 10*time.Millisecond)

	m := messenger.New(win)
	defer m.Close()

	pixel, matched, err := m.Check(context.Background(), `<p>hi</p><img src="https://t.example/open.gif">`)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "https://t.example/open.gif", pixel)

	_, matched, err = m.Check(context.Background(), `<p>no trackers</p>`)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, 1, svc.ActiveChannels())
}
