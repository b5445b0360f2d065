// internal/transport/websocket_test.go
package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one websocket connection and echoes text frames back.
func echoServer(t *testing.T, gotAuth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestConnectSendReceive(t *testing.T) {
	var gotAuth string
	srv := echoServer(t, &gotAuth)
	defer srv.Close()

	inbound := make(chan []byte, 8)
	closed := make(chan error, 1)
	tr := NewWS(wsURL(srv), func() (string, error) { return "tok123", nil }, Handlers{
		OnMessage: func(data []byte) { inbound <- data },
		OnClosed:  func(err error) { closed <- err },
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	assert.Equal(t, "Bearer tok123", gotAuth)

	require.NoError(t, tr.Send(ctx, []byte("ping")))
	select {
	case data := <-inbound:
		assert.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	require.NoError(t, tr.Disconnect(ctx))
	select {
	case err := <-closed:
		assert.NoError(t, err, "clean disconnect reports a nil cause")
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := NewWS("ws://127.0.0.1:0", nil, Handlers{}, quietLogger())
	err := tr.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectTwiceRejected(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	tr := NewWS(wsURL(srv), nil, Handlers{}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	assert.Error(t, tr.Connect(ctx))
}

func TestDialFailureReturnsError(t *testing.T) {
	tr := NewWS("ws://127.0.0.1:1", nil, Handlers{}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, tr.Connect(ctx))
}

func TestServerDropReportsClosure(t *testing.T) {
	var mu sync.Mutex
	var conns []*websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		// Hold the connection open until the test kills it.
		c.Read(r.Context())
	}))
	defer srv.Close()

	closed := make(chan error, 1)
	tr := NewWS(wsURL(srv), nil, Handlers{
		OnClosed: func(err error) { closed <- err },
	}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	mu.Lock()
	require.Len(t, conns, 1)
	conns[0].CloseNow()
	mu.Unlock()

	select {
	case err := <-closed:
		assert.Error(t, err, "an abnormal drop carries its cause")
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired after server drop")
	}
}
