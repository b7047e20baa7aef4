package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"roomchat-server/domain"
	"roomchat-server/metrics"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one authenticated client socket bound to a room.
type Conn struct {
	id   domain.SessionID
	room domain.RoomID
	user domain.Identity
	ws   *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	protocol Protocol
	limiter  *rate.Limiter
	opts     Options
}

func newConn(id domain.SessionID, room domain.RoomID, user domain.Identity, ws *websocket.Conn, p Protocol, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       id,
		room:     room,
		user:     user,
		ws:       ws,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		protocol: p,
		limiter:  rate.NewLimiter(rate.Limit(opts.FramesPerSecond), opts.FrameBurst),
		opts:     opts,
	}
	c.state.Store(int32(domain.StateAuthenticated))
	return c
}

func (c *Conn) ID() domain.SessionID  { return c.id }
func (c *Conn) Room() domain.RoomID   { return c.room }
func (c *Conn) User() domain.Identity { return c.user }

func (c *Conn) State() domain.ConnState {
	return domain.ConnState(c.state.Load())
}

// Send queues data for the write pump. It never blocks.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close is safe to call many times from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(domain.StateClosed))
		c.cancel()
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Start joins the room and runs the pumps until the socket closes. A conn
// closed during Join stays closed; the read pump still runs so Leave fires.
func (c *Conn) Start() {
	go c.writePump()
	c.protocol.Join(c.ctx, c)
	if c.state.CompareAndSwap(int32(domain.StateAuthenticated), int32(domain.StateActive)) {
		slog.Debug("connection active", "room", c.room, "sessionId", c.id, "user", c.user.ID)
	}
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.protocol.Leave(c)
		c.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		data, reason, err := c.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "room", c.room, "sessionId", c.id, "error", err)
			}
			return
		}
		if reason != "" {
			c.protocol.Drop(c, reason)
			continue
		}
		if !c.limiter.Allow() {
			c.protocol.Drop(c, metrics.ReasonRateLimited)
			continue
		}
		c.protocol.Handle(c.ctx, c, data)
	}
}

// readFrame reads one message. Oversized and binary frames are drained and
// reported by reason so the socket stays usable.
func (c *Conn) readFrame() ([]byte, string, error) {
	kind, r, err := c.ws.NextReader()
	if err != nil {
		return nil, "", err
	}
	if kind != websocket.TextMessage {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, "", err
		}
		return nil, metrics.ReasonMalformed, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, c.opts.MaxFrameBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > c.opts.MaxFrameBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, "", err
		}
		return nil, metrics.ReasonTooLarge, nil
	}
	return data, "", nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("write error", "room", c.room, "sessionId", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
