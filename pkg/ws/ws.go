// Package ws wraps gorilla websockets in a typed, channel-based API so
// callers never touch the connection concurrently.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	// pingInterval is how often we ping the peer.
	pingInterval = 15 * time.Second
	// pongWait is how long we wait for a pong before declaring the peer dead.
	pongWait = time.Minute
	// closeWait is how long we wait for the close handshake.
	closeWait = 5 * time.Second
	// inboxBufferSize is how many inbound messages to buffer before applying
	// backpressure.
	inboxBufferSize = 32
	// outboxBufferSize is how many outbound messages to buffer before applying
	// backpressure.
	outboxBufferSize = 64
	// maxMessageSize bounds a single websocket message.
	maxMessageSize = 64 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// UpgradeEchoConnection upgrades an echo request to a raw websocket conn.
func UpgradeEchoConnection(c echo.Context) (*websocket.Conn, error) {
	return upgrader.Upgrade(c.Response(), c.Request(), nil)
}

// WebSocket is a typed, thread-safe wrapper around a websocket connection.
// Inbound messages of type TIn arrive on Inbox; messages of type TOut written
// to Outbox are sent to the peer. JSON is the wire encoding.
type WebSocket[TIn, TOut any] struct {
	log  *logrus.Entry
	name string
	conn *websocket.Conn

	cancel    context.CancelFunc
	errLock   sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error

	// Done is closed when both loops have exited. Callers must still Close.
	Done <-chan struct{}
	// Inbox delivers decoded inbound messages. It is closed on read failure.
	Inbox <-chan TIn
	// Outbox accepts outbound messages.
	Outbox chan<- TOut
}

// Wrap takes ownership of conn and returns the typed wrapper around it.
func Wrap[TIn, TOut any](name string, conn *websocket.Conn) (*WebSocket[TIn, TOut], error) {
	ctx, cancel := context.WithCancel(context.Background())

	inbox := make(chan TIn, inboxBufferSize)
	outbox := make(chan TOut, outboxBufferSize)
	done := make(chan struct{})

	s := &WebSocket[TIn, TOut]{
		log: logrus.WithFields(logrus.Fields{
			"component":   "websocket",
			"remote-addr": conn.RemoteAddr(),
			"name":        name,
		}),
		name: name,
		conn: conn,

		cancel: cancel,
		Done:   done,
		Inbox:  inbox,
		Outbox: outbox,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.runWriteLoop(ctx, outbox); err != nil {
			s.setError(fmt.Errorf("write loop: %w", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.runReadLoop(ctx, inbox); err != nil {
			s.setError(fmt.Errorf("read loop: %w", err))
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	return s, nil
}

// Name returns the name the socket was created with.
func (s *WebSocket[TIn, TOut]) Name() string {
	return s.name
}

// Error returns the first error the socket hit, excluding close errors.
func (s *WebSocket[TIn, TOut]) Error() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.err
}

// Close performs the close handshake and closes the underlying connection,
// rendering the socket unusable.
func (s *WebSocket[TIn, TOut]) Close() error {
	s.closeOnce.Do(func() {
		initialErr := s.Error()

		var err *multierror.Error
		if hErr := s.closeGraceful(); hErr != nil {
			err = multierror.Append(err, fmt.Errorf("gracefully closing: %w", hErr))
			if fErr := s.closeForced(); fErr != nil {
				err = multierror.Append(err, fmt.Errorf("forcibly closing: %w", fErr))
			}
		}

		if endingErr := s.Error(); initialErr == nil && endingErr != nil {
			err = multierror.Append(err, endingErr)
		}

		s.closeErr = err.ErrorOrNil()
	})
	return s.closeErr
}

func (s *WebSocket[TIn, TOut]) runReadLoop(ctx context.Context, inbox chan<- TIn) error {
	defer s.cancel()
	defer close(inbox)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting initial read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.WithError(err).Error("setting read deadline")
		}
		return nil
	})

	for {
		switch msgType, msg, err := s.conn.ReadMessage(); {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure):
			return nil
		case err != nil:
			return fmt.Errorf("reading message: %w", err)
		case msgType != websocket.TextMessage && msgType != websocket.BinaryMessage:
			return fmt.Errorf("unexpected message type: %d", msgType)
		default:
			if ctx.Err() != nil {
				// Closing; drain until the peer's close frame arrives.
				continue
			}

			var parsed TIn
			if err := json.Unmarshal(msg, &parsed); err != nil {
				return fmt.Errorf("unmarshalling message: %w", err)
			}
			inbox <- parsed
		}
	}
}

func (s *WebSocket[TIn, TOut]) runWriteLoop(ctx context.Context, outbox <-chan TOut) error {
	defer s.cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-outbox:
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(msg); err != nil {
				return fmt.Errorf("encoding outbound message: %w", err)
			}
			if buf.Len() > maxMessageSize {
				return fmt.Errorf("message size %d exceeds maximum %d", buf.Len(), maxMessageSize)
			}

			err := s.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
			switch {
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("writing message: %w", err)
			}
		case <-ping.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			netErr, ok := err.(net.Error)
			switch {
			case ok && netErr.Timeout():
				continue
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("sending ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *WebSocket[TIn, TOut]) closeGraceful() error {
	s.cancel()

	closeDeadline := time.Now().Add(closeWait)
	s.conn.SetPongHandler(nil)
	if err := s.conn.SetReadDeadline(closeDeadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}

	// If this close frame begins the handshake, the read loop drains messages
	// until the peer's close arrives or the deadline passes. If the peer
	// initiated, the write returns ErrCloseSent and the read loop has already
	// exited.
	if err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close called"),
		closeDeadline,
	); err != websocket.ErrCloseSent && err != nil {
		return fmt.Errorf("sending close: %w", err)
	}

	<-s.Done
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	return nil
}

func (s *WebSocket[TIn, TOut]) closeForced() error {
	s.cancel()
	err := s.conn.Close()
	<-s.Done
	if err != nil {
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	return nil
}

func (s *WebSocket[TIn, TOut]) setError(err error) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	s.err = multierror.Append(s.err, err)
}
