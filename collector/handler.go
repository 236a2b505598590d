// Package collector is the HTTP endpoint tracking clients deliver to. It
// accepts JSON posts, JSONP script requests and image beacons, and stores
// every event in SQLite.
package collector

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxBodyBytes bounds a posted batch.
const MaxBodyBytes = 1 << 20

// pixel is a 1x1 transparent GIF.
var pixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

var callbackRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]{0,127}$`)

// Handler serves the collection routes.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler returns a Handler writing to store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Routes returns the collector router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(securityHeaders)
	r.Use(cors)
	r.Use(maxBody(MaxBodyBytes))

	r.Get("/healthz", h.handleHealth)
	r.Post("/events", h.handlePost)
	r.Get("/events", h.handleGet)
	r.Get("/events/recent", h.handleRecent)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ack struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    *ackCount `json:"data,omitempty"`
}

type ackCount struct {
	InsertedCount int `json:"insertedCount"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Message: "request body too large or unreadable"})
		return
	}
	raws, err := splitEvents(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Message: err.Error()})
		return
	}
	n, err := h.store.Insert(r.Context(), raws, h.meta(r, "post"))
	if err != nil {
		loggerFrom(r.Context()).Warn("collector: insert failed", "error", err)
		writeJSON(w, http.StatusBadRequest, ack{Message: "invalid event data"})
		return
	}
	writeJSON(w, http.StatusOK, ack{Success: true, Data: &ackCount{InsertedCount: n}})
}

// handleGet answers both beacon shapes. Image requests always get the
// pixel; script requests get a callback invocation or an empty body.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if wantsImage(r) {
		h.ingestQuery(r, q, "image")
		writePixel(w)
		return
	}

	cb := callbackName(q)
	if !callbackRe.MatchString(cb) {
		loggerFrom(r.Context()).Debug("collector: invalid callback", "callback", cb)
		w.WriteHeader(http.StatusOK)
		return
	}
	n, ok := h.ingestQuery(r, q, "jsonp")
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	res, _ := json.Marshal(ack{Success: true, Data: &ackCount{InsertedCount: n}})
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "/**/ "+cb+"(")
	w.Write(res)
	io.WriteString(w, ");")
}

func (h *Handler) ingestQuery(r *http.Request, q url.Values, transport string) (int, bool) {
	log := loggerFrom(r.Context())
	raws, err := queryEvents(q.Get("data"))
	if err != nil {
		log.Debug("collector: malformed data", "transport", transport, "error", err)
		return 0, false
	}
	n, err := h.store.Insert(r.Context(), raws, h.meta(r, transport))
	if err != nil {
		log.Warn("collector: insert failed", "transport", transport, "error", err)
		return 0, false
	}
	return n, true
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	recs, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ack{Message: "internal error"})
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) meta(r *http.Request, transport string) Meta {
	return Meta{Transport: transport, ClientIP: clientIP(r), UserAgent: r.UserAgent()}
}

// wantsImage reports whether the request came from an image element.
func wantsImage(r *http.Request) bool {
	q := r.URL.Query()
	if q.Get("format") == "image" || r.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "image/") {
		return true
	}
	return q.Has("t") && callbackName(q) == ""
}

func callbackName(q url.Values) string {
	for _, k := range []string{"callback", "jsonp", "cb"} {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// queryEvents decodes the data parameter. Image beacons escape the JSON
// before query encoding, so one extra unescape is tried when the value is
// not JSON as received.
func queryEvents(data string) ([]json.RawMessage, error) {
	if data == "" {
		return nil, errors.New("missing data")
	}
	if !json.Valid([]byte(data)) {
		un, err := url.QueryUnescape(data)
		if err != nil {
			return nil, err
		}
		data = un
	}
	return splitEvents([]byte(data))
}

// splitEvents accepts one event, an array of events, or {"data":[...]}.
func splitEvents(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	switch body[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, errors.New("invalid JSON array")
		}
		if len(list) == 0 {
			return nil, errors.New("no events")
		}
		return list, nil
	case '{':
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, errors.New("invalid JSON object")
		}
		if d := bytes.TrimSpace(wrapped.Data); len(d) > 0 && d[0] == '[' {
			return splitEvents(d)
		}
		return []json.RawMessage{json.RawMessage(body)}, nil
	}
	return nil, errors.New("expected JSON object or array")
}

func writePixel(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(pixel)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
