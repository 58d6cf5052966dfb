// Package client is the Go SDK for a relayfeed server.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Block until the hot feed has been refetched
//	st, err := c.Refresh(ctx, "hot")
//	for _, it := range st.Items {
//	    fmt.Println(it.Event.ID, it.Score.Actors)
//	}
//
//	// Follow state changes as they are published
//	s, err := c.Stream(ctx, "hot")
//	defer s.Close()
//	for {
//	    f, err := s.Next()
//	    ...
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsNotFound, IsConflict or errors.As to inspect it.
//
// Client is safe for concurrent use. A Stream is not.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relayfeed: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server. Retry
// answers 409 when the feed has not timed out.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 45 seconds,
// longer than the server's refresh deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithDialer replaces the websocket dialer used by Stream.
func WithDialer(d *gorillaws.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one relayfeed server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *gorillaws.Dialer
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 45 * time.Second},
		dialer:  gorillaws.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Wire types ───────────────────────────────────────────────────────────────

// Score is the aggregated ranking input of one item.
type Score struct {
	Actors int             `json:"actors"`
	Weight int64           `json:"weight,omitempty"`
	Latest nostr.Timestamp `json:"latest"`
}

// Item is one ranked event.
type Item struct {
	Event *nostr.Event `json:"event"`
	Score Score        `json:"score"`
}

// FeedState is a published feed state. Phase is one of "initializing",
// "loading", "ready" or "timeout".
type FeedState struct {
	Phase      string `json:"phase"`
	Items      []Item `json:"items,omitempty"`
	Generation uint64 `json:"generation"`
}

// Ready reports whether the state carries a ranked list.
func (s FeedState) Ready() bool { return s.Phase == "ready" }

// FeedSummary describes one served feed.
type FeedSummary struct {
	Name       string `json:"name"`
	Phase      string `json:"phase"`
	Items      int    `json:"items"`
	Generation uint64 `json:"generation"`
}

// Health is the /healthz response.
type Health struct {
	Status string   `json:"status"`
	Feeds  int      `json:"feeds"`
	Relays []string `json:"relays,omitempty"`
}

// Counts tallies interactions with one event.
type Counts struct {
	Replies   int   `json:"replies"`
	Reposts   int   `json:"reposts"`
	Reactions int   `json:"reactions"`
	Zaps      int   `json:"zaps"`
	ZapSats   int64 `json:"zap_sats"`
}

// ─── Feeds ────────────────────────────────────────────────────────────────────

// Health reports server liveness and its connected relays.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

// ListFeeds returns every served feed, sorted by name.
func (c *Client) ListFeeds(ctx context.Context) ([]FeedSummary, error) {
	var resp struct {
		Feeds []FeedSummary `json:"feeds"`
	}
	if err := c.do(ctx, http.MethodGet, "/feeds", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Feeds, nil
}

// Feed returns the current state of a feed. The first read starts its
// pipeline, so the returned phase may still be "loading".
func (c *Client) Feed(ctx context.Context, name string) (FeedState, error) {
	var st FeedState
	err := c.do(ctx, http.MethodGet, feedPath(name, ""), nil, &st)
	return st, err
}

// Reload asks the feed to refetch in the background.
func (c *Client) Reload(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, feedPath(name, "/reload"), nil, nil)
}

// Refresh refetches the feed and waits for the run to complete.
func (c *Client) Refresh(ctx context.Context, name string) (FeedState, error) {
	var st FeedState
	err := c.do(ctx, http.MethodPost, feedPath(name, "/refresh"), nil, &st)
	return st, err
}

// Retry restarts a feed that timed out. It fails with a conflict otherwise.
func (c *Client) Retry(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, feedPath(name, "/retry"), nil, nil)
}

// Visible marks an item as on screen so its interaction counts are fetched.
func (c *Client) Visible(ctx context.Context, name, id string) error {
	return c.do(ctx, http.MethodPost, feedPath(name, "/visible/"+url.PathEscape(id)), nil, nil)
}

// SetLookback changes the discovery window of a windowed feed. The server
// accepts whole hours between 1 and 168.
func (c *Client) SetLookback(ctx context.Context, name string, d time.Duration) error {
	body := struct {
		Hours int `json:"hours"`
	}{Hours: int(d / time.Hour)}
	return c.do(ctx, http.MethodPut, feedPath(name, "/lookback"), body, nil)
}

// ─── Events & lists ───────────────────────────────────────────────────────────

// Counts returns the interaction tally of an event.
func (c *Client) Counts(ctx context.Context, id string) (Counts, error) {
	var out Counts
	err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(id)+"/counts", nil, &out)
	return out, err
}

// Block hides every event authored by pubkey.
func (c *Client) Block(ctx context.Context, pubkey string) error {
	body := struct {
		Pubkey string `json:"pubkey"`
	}{pubkey}
	return c.do(ctx, http.MethodPost, "/lists/blocked", body, nil)
}

// Mute hides one event.
func (c *Client) Mute(ctx context.Context, id string) error {
	body := struct {
		ID string `json:"id"`
	}{id}
	return c.do(ctx, http.MethodPost, "/lists/muted", body, nil)
}

func feedPath(name, suffix string) string {
	return "/feeds/" + url.PathEscape(name) + suffix
}

// ─── Streaming ────────────────────────────────────────────────────────────────

// Frame is one server push on a feed stream. Type is "state" or "error".
type Frame struct {
	Type  string     `json:"type"`
	Feed  string     `json:"feed"`
	State *FeedState `json:"state,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Stream is an open websocket on one feed. Opening it loads the feed; the
// first frame is the current state.
type Stream struct {
	conn *gorillaws.Conn
}

// Stream opens the push stream of a feed.
func (c *Client) Stream(ctx context.Context, name string) (*Stream, error) {
	u, err := url.Parse(c.baseURL + feedPath(name, "/ws"))
	if err != nil {
		return nil, fmt.Errorf("relayfeed: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apiError(resp.StatusCode, readAll(resp.Body))
		}
		return nil, fmt.Errorf("relayfeed: dial %s: %w", u, err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next frame.
func (s *Stream) Next() (Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("relayfeed: read frame: %w", err)
	}
	return f, nil
}

// Reload sends a reload control frame.
func (s *Stream) Reload() error { return s.send("reload", "") }

// Refresh asks for a refetch. Failures arrive as error frames.
func (s *Stream) Refresh() error { return s.send("refresh", "") }

// Retry sends a retry control frame.
func (s *Stream) Retry() error { return s.send("retry", "") }

// Visible marks an item as on screen.
func (s *Stream) Visible(id string) error { return s.send("visible", id) }

// Close closes the stream.
func (s *Stream) Close() error {
	_ = s.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *Stream) send(typ, id string) error {
	frame := struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
	}{typ, id}
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("relayfeed: send %s: %w", typ, err)
	}
	return nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relayfeed: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("relayfeed: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relayfeed: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("relayfeed: read response body: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiError(httpResp.StatusCode, respBody)
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("relayfeed: decode response: %w", err)
		}
	}
	return nil
}

func apiError(code int, body []byte) *APIError {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &APIError{StatusCode: code, Message: msg}
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return b
}
