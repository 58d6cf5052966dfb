package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

// errSendQueueFull is returned when a relay's outbound queue is saturated.
var errSendQueueFull = errors.New("relay: send queue full")

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 4 << 20
	sendQueue    = 256
)

// frame is one outbound message. REQs are rate limited, CLOSEs are not.
type frame struct {
	data    []byte
	limited bool
}

// conn is one live relay connection. Only writeLoop writes to ws.
type conn struct {
	url     string
	ws      *gorillaws.Conn
	out     chan frame
	limiter *rate.Limiter
	done    chan struct{}
}

func newConn(url string, ws *gorillaws.Conn, limiter *rate.Limiter) *conn {
	return &conn{
		url:     url,
		ws:      ws,
		out:     make(chan frame, sendQueue),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// enqueue never blocks.
func (c *conn) enqueue(f frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("relay %s: %w", c.url, gorillaws.ErrCloseSent)
	case c.out <- f:
		return nil
	default:
		return fmt.Errorf("relay %s: %w", c.url, errSendQueueFull)
	}
}

func (c *conn) req(subID string, f nostr.Filter) error {
	data, err := (&nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{f}}).MarshalJSON()
	if err != nil {
		return fmt.Errorf("relay: encode REQ: %w", err)
	}
	return c.enqueue(frame{data: data, limited: true})
}

func (c *conn) close(subID string) error {
	env := nostr.CloseEnvelope(subID)
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("relay: encode CLOSE: %w", err)
	}
	return c.enqueue(frame{data: data})
}

// writeLoop drains the outbound queue and keeps the connection alive with
// pings. It returns when ctx ends, done closes or a write fails.
func (c *conn) writeLoop(ctx context.Context, ping time.Duration) error {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case <-c.done:
			return nil
		case f := <-c.out:
			if f.limited && c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(gorillaws.TextMessage, f.data); err != nil {
				return fmt.Errorf("relay %s: write: %w", c.url, err)
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("relay %s: ping: %w", c.url, err)
			}
		}
	}
}

// readLoop hands every decoded frame to handle until the connection fails.
// A relay that misses two ping intervals is considered dead.
func (c *conn) readLoop(ping time.Duration, handle func(nostr.Envelope)) error {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay %s: read: %w", c.url, err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
		if env := nostr.ParseMessage(raw); env != nil {
			handle(env)
		}
	}
}
