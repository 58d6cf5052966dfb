package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/snehjoshi/relayfeed/internal/feed"
	"github.com/snehjoshi/relayfeed/internal/stats"
	transportws "github.com/snehjoshi/relayfeed/internal/transport/websocket"
)

const (
	refreshTimeout = 30 * time.Second
	maxLookback    = 7 * 24 // hours
)

// Feed is a served pipeline. It adds lookback control to the stream surface.
type Feed interface {
	transportws.Feed
	SetLookback(d time.Duration)
}

// CountSource tallies interactions with one event.
type CountSource interface {
	Counts(ctx context.Context, id string) (stats.Counts, error)
}

// ListEditor edits the block and mute lists.
type ListEditor interface {
	Block(pubkey string)
	Mute(id string)
}

// validEventID reports whether s is a 32-byte hex id or pubkey.
func validEventID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Handler groups all HTTP request handlers around the served feeds.
type Handler struct {
	feeds  map[string]Feed
	names  []string
	counts CountSource
	lists  ListEditor
	relays func() []string
}

func newHandler(feeds []Feed, opts Options) *Handler {
	h := &Handler{
		feeds:  make(map[string]Feed, len(feeds)),
		counts: opts.Counts,
		lists:  opts.Lists,
		relays: opts.Relays,
	}
	for _, f := range feeds {
		h.feeds[f.Name()] = f
		h.names = append(h.names, f.Name())
	}
	slices.Sort(h.names)
	return h
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type feedSummary struct {
	Name       string     `json:"name"`
	Phase      feed.Phase `json:"phase"`
	Items      int        `json:"items"`
	Generation uint64     `json:"generation"`
}

type feedListResp struct {
	Feeds []feedSummary `json:"feeds"`
}

type lookbackReq struct {
	Hours int `json:"hours"`
}

type blockReq struct {
	Pubkey string `json:"pubkey"`
}

type muteReq struct {
	ID string `json:"id"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "feeds": len(h.feeds)}
	if h.relays != nil {
		resp["relays"] = h.relays()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listFeeds(w http.ResponseWriter, r *http.Request) {
	out := feedListResp{Feeds: make([]feedSummary, 0, len(h.names))}
	for _, name := range h.names {
		st := h.feeds[name].Current()
		out.Feeds = append(out.Feeds, feedSummary{
			Name:       name,
			Phase:      st.Phase,
			Items:      len(st.Items),
			Generation: st.Generation,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves {name}, writing a 404 when unknown.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (Feed, bool) {
	f, ok := h.feeds[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown feed"))
	}
	return f, ok
}

// getFeed returns the current state and asks the feed to load, so a first
// read starts the pipeline and later reads pick up stale refetches.
func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	f.Load()
	writeJSON(w, http.StatusOK, f.Current())
}

func (h *Handler) reloadFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	f.Reload()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reloading"})
}

// refreshFeed blocks until the refetch completes and returns its state.
func (h *Handler) refreshFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	st, err := f.Refresh(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, feed.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Handler) retryFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if f.Current().Phase != feed.PhaseTimeout {
		writeError(w, http.StatusConflict, errors.New("feed has not timed out"))
		return
	}
	f.RetryAfterTimeout()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (h *Handler) visible(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !validEventID(id) {
		writeError(w, http.StatusBadRequest, errors.New("invalid event id"))
		return
	}
	f.Visible(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setLookback(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req lookbackReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hours < 1 || req.Hours > maxLookback {
		writeError(w, http.StatusBadRequest, errors.New("hours must be between 1 and 168"))
		return
	}
	f.SetLookback(time.Duration(req.Hours) * time.Hour)
	writeJSON(w, http.StatusAccepted, map[string]int{"hours": req.Hours})
}

func (h *Handler) counts(w http.ResponseWriter, r *http.Request) {
	if h.counts == nil {
		writeError(w, http.StatusNotFound, errors.New("counts disabled"))
		return
	}
	id := r.PathValue("id")
	if !validEventID(id) {
		writeError(w, http.StatusBadRequest, errors.New("invalid event id"))
		return
	}
	c, err := h.counts.Counts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	if h.lists == nil {
		writeError(w, http.StatusNotFound, errors.New("lists disabled"))
		return
	}
	var req blockReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validEventID(req.Pubkey) {
		writeError(w, http.StatusBadRequest, errors.New("invalid pubkey"))
		return
	}
	h.lists.Block(req.Pubkey)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mute(w http.ResponseWriter, r *http.Request) {
	if h.lists == nil {
		writeError(w, http.StatusNotFound, errors.New("lists disabled"))
		return
	}
	var req muteReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validEventID(req.ID) {
		writeError(w, http.StatusBadRequest, errors.New("invalid event id"))
		return
	}
	h.lists.Mute(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
