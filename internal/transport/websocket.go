// internal/transport/websocket.go
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Subprotocol spoken on the coordination socket.
const Subprotocol = "matchroom"

const writeTimeout = 5 * time.Second

// WSTransport is the coder/websocket implementation of Transport.
type WSTransport struct {
	url      string
	token    TokenProvider
	handlers Handlers
	logger   *logrus.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}
	cancel   context.CancelFunc
}

// NewWS builds a websocket transport targeting url (ws:// or wss://).
func NewWS(url string, token TokenProvider, handlers Handlers, logger *logrus.Logger) *WSTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &WSTransport{url: url, token: token, handlers: handlers, logger: logger}
}

// Connect dials the server and starts the read loop. A second Connect while
// a connection is up is an error; disconnect first.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: already connected")
	}
	t.mu.Unlock()

	opts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	}
	if t.token != nil {
		tok, err := t.token()
		if err != nil {
			return fmt.Errorf("transport: token provider: %w", err)
		}
		if tok != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
	}

	c, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}
	c.SetReadLimit(1024 * 1024)

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = c
	t.cancel = cancel
	t.readDone = done
	t.mu.Unlock()

	go t.readLoop(readCtx, c, done)
	return nil
}

// readLoop pumps inbound frames to OnMessage until the connection dies, then
// reports the closure exactly once.
func (t *WSTransport) readLoop(ctx context.Context, c *websocket.Conn, done chan struct{}) {
	defer close(done)

	var closeErr error
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				closeErr = nil
			} else {
				closeErr = err
			}
			break
		}
		if typ != websocket.MessageText {
			t.logger.Warnf("transport: ignoring non-text frame type %d", typ)
			continue
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(data)
		}
	}

	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
		t.cancel = nil
	}
	t.mu.Unlock()

	if t.handlers.OnClosed != nil {
		t.handlers.OnClosed(closeErr)
	}
}

// Disconnect closes the connection cleanly and waits for the read loop to
// wind down (or ctx to expire).
func (t *WSTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	cancel := t.cancel
	done := t.readDone
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := c.Close(websocket.StatusNormalClosure, "client disconnect")

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Send writes one text frame. Send errors are returned to the caller (the
// queue drain loop) so the message can be requeued; they are also reported
// through OnError for observability.
func (t *WSTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.Write(writeCtx, websocket.MessageText, payload); err != nil {
		if t.handlers.OnError != nil {
			t.handlers.OnError(err)
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}
