package snapcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/log"
)

// ErrConnClosed is returned for calls against a closed connection.
var ErrConnClosed = errors.New("snapcast connection closed")

// Conn is one live JSON-RPC connection to a Snapcast server. Outbound
// calls are serialized through a single writer; inbound lines are
// demultiplexed into call replies and notifications.
type Conn struct {
	conn    net.Conn
	timeout time.Duration
	logger  zerolog.Logger

	nextID  atomic.Uint64
	writeCh chan []byte

	mu      sync.Mutex
	pending map[uint64]chan rpcEnvelope
	closed  bool

	notifications chan Notification
	done          chan struct{}
}

// Dial connects to the Snapcast control port.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial snapcast %s: %w", addr, err)
	}
	c := &Conn{
		conn:          netConn,
		timeout:       timeout,
		logger:        log.Component("snapcast"),
		writeCh:       make(chan []byte, 64),
		pending:       make(map[uint64]chan rpcEnvelope),
		notifications: make(chan Notification, 256),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Notifications returns the server-push channel. Closed when the
// connection dies.
func (c *Conn) Notifications() <-chan Notification { return c.notifications }

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears down the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

// Call performs one JSON-RPC request and decodes the result. The deadline
// is the per-call timeout unless the context expires first. Control calls
// are never auto-retried; the caller decides.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	payload = append(payload, '\n')

	replyCh := make(chan rpcEnvelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.writeCh <- payload:
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return ErrConnClosed
		}
		if reply.Error != nil {
			return fmt.Errorf("snapcast %s: %s (code %d)", method, reply.Error.Message, reply.Error.Code)
		}
		if result != nil && reply.Result != nil {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return apperrors.NewUpstreamTimeoutError("snapcast", method)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case payload := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err == nil {
				if _, err := c.conn.Write(payload); err != nil {
					c.logger.Debug().Err(err).Msg("write failed")
					_ = c.Close()
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.notifications)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn().Err(err).Msg("unparseable line from server")
			continue
		}
		if env.ID != nil {
			c.mu.Lock()
			replyCh, ok := c.pending[*env.ID]
			c.mu.Unlock()
			if ok {
				replyCh <- env
			}
			continue
		}
		if env.Method != "" {
			select {
			case c.notifications <- Notification{Method: env.Method, Params: env.Params}:
			default:
				c.logger.Warn().Str("method", env.Method).Msg("notification queue full, dropping")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("read loop ended")
	}
}
