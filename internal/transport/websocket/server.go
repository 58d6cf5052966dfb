// Package websocket streams feed state to a local renderer.
//
// Clients open a WebSocket connection to:
//
//	GET /feeds/{name}/ws
//
// The server sends the current state at once and every later state change.
// Opening the stream counts as a Load of the feed.
//
// Server → client frame:
//
//	{"type":"state","feed":"hot","state":{"phase":"ready","items":[...],"generation":3}}
//	{"type":"error","feed":"hot","error":"..."}
//
// Client → server control frame:
//
//	{"type":"load"}
//	{"type":"reload"}
//	{"type":"refresh"}
//	{"type":"retry"}
//	{"type":"visible","id":"<event id>"}
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/relayfeed/internal/feed"
)

const (
	writeWait      = 10 * time.Second
	refreshTimeout = 30 * time.Second
)

// Feed is the part of a pipeline the stream drives.
type Feed interface {
	Name() string
	Current() feed.State
	Subscribe() (<-chan feed.State, func())
	Load()
	Reload()
	Refresh(ctx context.Context) (feed.State, error)
	RetryAfterTimeout()
	Visible(id string)
}

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrades. Requests without an Origin
	// header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the feed stream. Lookup resolves the {name} path value.
type Handler struct {
	Lookup func(name string) (Feed, bool)
}

// serverFrame is what the server sends.
type serverFrame struct {
	Type  string      `json:"type"`
	Feed  string      `json:"feed"`
	State *feed.State `json:"state,omitempty"`
	Error string      `json:"error,omitempty"`
}

// clientFrame is what the client sends.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, ok := h.Lookup(name)
	if !ok {
		http.Error(w, `{"error":"unknown feed"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	log := slog.With("feed", name, "remote", r.RemoteAddr)

	states, unsubscribe := f.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	controlCh := make(chan clientFrame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-ctx.Done():
				return
			}
		}
	}()
	// Refresh blocks until the run completes; its errors come back here.
	errCh := make(chan error, 1)

	f.Load()

	for {
		select {
		case <-ctx.Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			switch cf.Type {
			case "load":
				f.Load()
			case "reload":
				f.Reload()
			case "retry":
				f.RetryAfterTimeout()
			case "visible":
				f.Visible(cf.ID)
			case "refresh":
				go func() {
					rctx, rcancel := context.WithTimeout(ctx, refreshTimeout)
					defer rcancel()
					if _, err := f.Refresh(rctx); err != nil && ctx.Err() == nil {
						select {
						case errCh <- err:
						default:
						}
					}
				}()
			default:
				log.Debug("unknown control frame", "type", cf.Type)
			}

		case err := <-errCh:
			if !write(conn, serverFrame{Type: "error", Feed: name, Error: err.Error()}) {
				return
			}

		case st, ok := <-states:
			if !ok {
				return // feed closed
			}
			if !write(conn, serverFrame{Type: "state", Feed: name, State: &st}) {
				return
			}
		}
	}
}

func write(conn *gorillaws.Conn, f serverFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data) == nil
}
