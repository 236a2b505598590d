package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spmtrack/sender"
	"github.com/hazyhaar/spmtrack/tracker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := openTestStore(t)
	h := NewHandler(store, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func count(t *testing.T, s *Store) int {
	t.Helper()
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func sampleEvents() []tracker.Event {
	return []tracker.Event{
		{Timestamp: 1709294400000, URL: "https://shop.example.com/p/1", SessionID: "session_1709294400000_abcdefgh",
			Trigger: tracker.TriggerClick, Category: tracker.CategoryDefault, Spm: "btn1"},
		{Timestamp: 1709294400001, URL: "https://shop.example.com/p/1", SessionID: "session_1709294400000_abcdefgh",
			Trigger: tracker.TriggerView, Category: tracker.CategoryDefault, Spm: "hero"},
	}
}

func TestPost_Shapes(t *testing.T) {
	srv, store := newTestServer(t)
	one := `{"timestamp":1,"url":"u","sessionId":"s","category":"custom"}`
	tests := []struct {
		name string
		body string
		want int
	}{
		{"object", one, 1},
		{"array", "[" + one + "," + one + "]", 2},
		{"wrapped", `{"data":[` + one + "," + one + "," + one + "]}", 3},
	}
	total := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status: %d", resp.StatusCode)
			}
			var got ack
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if !got.Success || got.Data == nil || got.Data.InsertedCount != tt.want {
				t.Fatalf("ack: %+v", got)
			}
		})
		total += tt.want
	}
	if n := count(t, store); n != total {
		t.Fatalf("stored: got %d, want %d", n, total)
	}
}

func TestPost_Malformed(t *testing.T) {
	srv, store := newTestServer(t)
	for _, body := range []string{"", "nope", "[]", "[1,2", `"str"`, `[{"timestamp":"x"}]`} {
		resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var got ack
		json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || got.Success || got.Message == "" {
			t.Errorf("body %q: status %d ack %+v", body, resp.StatusCode, got)
		}
	}
	if n := count(t, store); n != 0 {
		t.Fatalf("stored %d events from malformed posts", n)
	}
}

func TestPost_TooLarge(t *testing.T) {
	h := NewHandler(openTestStore(t), slog.New(slog.DiscardHandler))
	big := bytes.Repeat([]byte("a"), MaxBodyBytes+10)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(big)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestJSONP_RoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	s := sender.NewJSONP()

	resp, err := s.Send(context.Background(), srv.URL+"/events", sampleEvents())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Success || resp.Method != "jsonp" {
		t.Fatalf("response: %+v", resp)
	}
	var got ack
	if err := json.Unmarshal(resp.Body, &got); err != nil || got.Data == nil || got.Data.InsertedCount != 2 {
		t.Fatalf("callback arg %s: %v", resp.Body, err)
	}
	if n := count(t, store); n != 2 {
		t.Fatalf("stored: %d", n)
	}
	if s.Registry().Pending() != 0 {
		t.Fatal("callback left registered")
	}
}

func TestImage_RoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	s := sender.NewImage()

	resp, err := s.Send(context.Background(), srv.URL+"/events", sampleEvents()[:1])
	if err != nil || !resp.Success || resp.Note != "" {
		t.Fatalf("Send: %+v %v", resp, err)
	}
	recs, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Spm != "btn1" || recs[0].Transport != "image" {
		t.Fatalf("records: %+v", recs)
	}
	if recs[0].Trigger != "click" || recs[0].SessionID != "session_1709294400000_abcdefgh" {
		t.Fatalf("record fields: %+v", recs[0])
	}
}

func TestXHR_RoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	resp, err := sender.NewXHR().Send(context.Background(), srv.URL+"/events", sampleEvents())
	if err != nil || !resp.Success {
		t.Fatalf("Send: %+v %v", resp, err)
	}
	if n := count(t, store); n != 2 {
		t.Fatalf("stored: %d", n)
	}
}

func TestGet_PixelHeaders(t *testing.T) {
	srv, store := newTestServer(t)
	for _, q := range []string{"data=garbage&t=1", "format=image", "data=" + url.QueryEscape(url.QueryEscape(`{"category":"custom"}`)) + "&t=2"} {
		resp, err := http.Get(srv.URL + "/events?" + q)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/gif" {
			t.Errorf("%s: status %d type %q", q, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
		if !bytes.Equal(body, pixel) {
			t.Errorf("%s: body is not the pixel", q)
		}
		if cc := resp.Header.Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
			t.Errorf("%s: cache-control %q", q, cc)
		}
		if resp.Header.Get("Pragma") != "no-cache" || resp.Header.Get("Expires") != "0" {
			t.Errorf("%s: pragma/expires missing", q)
		}
	}
	if n := count(t, store); n != 1 {
		t.Fatalf("stored: got %d, want 1", n)
	}
}

func TestGet_ScriptFailuresAreEmpty(t *testing.T) {
	srv, store := newTestServer(t)
	valid := url.QueryEscape(`[{"category":"custom"}]`)
	for _, q := range []string{
		"data=" + valid + "&callback=alert(1)",
		"data=" + valid + "&callback=" + url.QueryEscape("a.b"),
		"data=%7Bbroken&callback=cb_1",
		"callback=cb_1",
	} {
		resp, err := http.Get(srv.URL + "/events?" + q)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || len(body) != 0 {
			t.Errorf("%s: status %d body %q", q, resp.StatusCode, body)
		}
	}
	if n := count(t, store); n != 0 {
		t.Fatalf("stored: %d", n)
	}
}

func TestGet_CallbackAliases(t *testing.T) {
	srv, _ := newTestServer(t)
	data := url.QueryEscape(`{"category":"custom"}`)
	for _, param := range []string{"callback", "jsonp", "cb"} {
		resp, err := http.Get(srv.URL + "/events?data=" + data + "&" + param + "=fn_" + param)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		want := "/**/ fn_" + param + `({"success":true,"data":{"insertedCount":1}});`
		if string(body) != want {
			t.Errorf("%s: body %q", param, body)
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/javascript") {
			t.Errorf("%s: content-type %q", param, resp.Header.Get("Content-Type"))
		}
	}
}

func TestSanitizeStoredFields(t *testing.T) {
	srv, store := newTestServer(t)
	body := `{"timestamp":5,"url":"https://x.test/<b>p</b>","sessionId":"s","category":"error",
		"type":"javascript_error","message":"<img src=x onerror=alert(1)>boom",
		"element":{"tagName":"DIV","className":"","id":"","text":"<i>hi</i> there","attributes":{}}}`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	recs, err := store.Recent(context.Background(), 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Recent: %v %v", recs, err)
	}
	r := recs[0]
	if r.Message != "boom" || r.ElementText != "hi there" || r.PageURL != "https://x.test/p" {
		t.Fatalf("sanitised fields: %+v", r)
	}
	if r.ErrorType != "javascript_error" {
		t.Fatalf("error type: %q", r.ErrorType)
	}
	if !strings.Contains(string(r.Payload), "onerror") {
		t.Fatal("raw payload should be kept as received")
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS origin")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), sender.MarkerHeader) {
		t.Fatal("marker header not allowed")
	}
}

func TestHealthAndRecent(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	if _, err := sender.NewXHR().Send(context.Background(), srv.URL+"/events", sampleEvents()); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(srv.URL + "/events/recent?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Transport != "post" || recs[0].ClientIP == "" {
		t.Fatalf("recent: %+v", recs)
	}
}

func TestQueryEvents(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{"plain object", `{"category":"custom"}`, 1, false},
		{"plain array", `[{"a":1},{"a":2}]`, 2, false},
		{"escaped once more", url.QueryEscape(`[{"a":1}]`), 1, false},
		{"empty", "", 0, true},
		{"bad escape", "%zz", 0, true},
		{"not json", "hello", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := queryEvents(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("events: got %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestWantsImage(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header map[string]string
		want   bool
	}{
		{"timestamp only", "data=x&t=1", nil, true},
		{"format", "format=image", nil, true},
		{"fetch dest", "data=x", map[string]string{"Sec-Fetch-Dest": "image"}, true},
		{"accept", "data=x", map[string]string{"Accept": "image/webp,*/*"}, true},
		{"script", "data=x&callback=cb", map[string]string{"Accept": "*/*"}, false},
		{"timestamp with callback", "data=x&t=1&cb=f", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/events?"+tt.query, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := wantsImage(r); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsBusy(t *testing.T) {
	for msg, want := range map[string]bool{
		"database is locked (5) (SQLITE_BUSY)": true,
		"database table is locked":             true,
		"no such table: x":                     false,
	} {
		if got := isBusy(errString(msg)); got != want {
			t.Errorf("isBusy(%q) = %v", msg, got)
		}
	}
	if isBusy(nil) {
		t.Error("nil is not busy")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
