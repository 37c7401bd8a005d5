package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, maxSubscribers int) (*httptest.Server, *server) {
	t.Helper()
	log := testLogger()
	srv := &server{
		tokens: newTokenService("test-secret", time.Hour),
		store:  newTestStore(t),
		hub:    newHub(log, maxSubscribers),
		log:    log,
	}
	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

func fetchToken(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(ts.URL + "/generateToken")
	if err != nil {
		t.Fatalf("GET /generateToken: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /generateToken status = %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding token response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("empty token")
	}
	return body.Token
}

func postLocation(t *testing.T, ts *httptest.Server, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/location", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /location: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func decodeErrorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("expected non-empty error field")
	}
	return body.Error
}

func TestIngestLifecycle(t *testing.T) {
	ts, srv := newTestServer(t, 0)
	token := fetchToken(t, ts)

	payload := LocationReport{UUID: "bus-1", Latitude: 23.81, Longitude: 90.41, Rotation: 45}
	resp := postLocation(t, ts, token, mustMarshal(t, payload))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ok struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil || ok.Message == "" {
		t.Fatalf("expected message body, got err=%v message=%q", err, ok.Message)
	}

	stored, err := srv.store.load("bus-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Latitude != payload.Latitude || stored.Longitude != payload.Longitude || stored.Rotation != payload.Rotation {
		t.Fatalf("stored = %+v, want payload %+v", stored, payload)
	}
	if stored.Timestamp <= 0 {
		t.Fatalf("stored.Timestamp = %d, want server-assigned", stored.Timestamp)
	}

	// An expired token must be rejected and must not touch the snapshot.
	srv.tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := srv.tokens.issue()
	if err != nil {
		t.Fatalf("issue stale: %v", err)
	}
	srv.tokens.now = time.Now

	resp = postLocation(t, ts, stale, mustMarshal(t, LocationReport{UUID: "bus-1", Latitude: 0, Longitude: 0}))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale token status = %d, want 401", resp.StatusCode)
	}
	decodeErrorBody(t, resp)

	after, err := srv.store.load("bus-1")
	if err != nil {
		t.Fatalf("load after rejected write: %v", err)
	}
	if after != stored {
		t.Fatalf("snapshot changed by rejected write: %+v -> %+v", stored, after)
	}
}

func TestIngestMissingToken(t *testing.T) {
	ts, srv := newTestServer(t, 0)
	resp := postLocation(t, ts, "", mustMarshal(t, LocationReport{UUID: "bus-1", Latitude: 1, Longitude: 2}))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	decodeErrorBody(t, resp)
	if _, err := srv.store.load("bus-1"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("store mutated by unauthorized request: %v", err)
	}
}

func TestIngestMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	token := fetchToken(t, ts)
	resp := postLocation(t, ts, token, []byte(`{"latitude": not-json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	decodeErrorBody(t, resp)
}

func TestIngestInvalidCoordinates(t *testing.T) {
	ts, srv := newTestServer(t, 0)
	token := fetchToken(t, ts)
	cases := []LocationReport{
		{UUID: "bus-1", Latitude: 95, Longitude: 0},
		{UUID: "bus-1", Latitude: 0, Longitude: -181},
		{UUID: "", Latitude: 0, Longitude: 0},
	}
	for _, c := range cases {
		resp := postLocation(t, ts, token, mustMarshal(t, c))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("payload %+v: status = %d, want 400", c, resp.StatusCode)
		}
	}
	if _, err := srv.store.load("bus-1"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("store mutated by invalid payload: %v", err)
	}
}

func TestIngestPersistenceFailure(t *testing.T) {
	ts, srv := newTestServer(t, 0)
	token := fetchToken(t, ts)

	// Point the store at a path whose "directory" is a regular file, so
	// every snapshot write fails no matter what privileges the test runs
	// under.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("creating blocking file: %v", err)
	}
	srv.store.dir = blocked

	resp := postLocation(t, ts, token, mustMarshal(t, LocationReport{UUID: "bus-1", Latitude: 1, Longitude: 2}))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("expected non-empty error field")
	}
	if body.Message != "" {
		t.Fatalf("unexpected message field %q on failure", body.Message)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketBroadcastFlow(t *testing.T) {
	ts, srv := newTestServer(t, 0)
	token := fetchToken(t, ts)

	ws1 := dialWS(t, ts)
	waitForSubscribers(t, srv.hub, 1)
	first := LocationReport{UUID: "bus-1", Latitude: 23.81, Longitude: 90.41, Rotation: 45}
	if resp := postLocation(t, ts, token, mustMarshal(t, first)); resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}
	got := readReport(t, ws1)
	if got.UUID != first.UUID || got.Latitude != first.Latitude || got.Timestamp <= 0 {
		t.Fatalf("ws1 got %+v, want %+v with server timestamp", got, first)
	}

	// A viewer that connects now missed the first report entirely; both
	// subscribers see the second, in ingest order.
	ws2 := dialWS(t, ts)
	waitForSubscribers(t, srv.hub, 2)
	second := LocationReport{UUID: "bus-2", Latitude: 1, Longitude: 2, Rotation: 3}
	if resp := postLocation(t, ts, token, mustMarshal(t, second)); resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}
	if got := readReport(t, ws1); got.UUID != second.UUID {
		t.Errorf("ws1 got %q, want %q", got.UUID, second.UUID)
	}
	if got := readReport(t, ws2); got.UUID != second.UUID {
		t.Errorf("ws2 first message = %q, want %q (no replay)", got.UUID, second.UUID)
	}
}

func waitForSubscribers(t *testing.T, h *hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want %d", h.count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketCapacityRejected(t *testing.T) {
	ts, srv := newTestServer(t, 1)
	_ = dialWS(t, ts)
	waitForSubscribers(t, srv.hub, 1)

	// Second subscriber is over the bound: the upgrade completes but the
	// server immediately closes with "try again later".
	ws2 := dialWS(t, ts)
	_ = ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected close %d, got %v", websocket.CloseTryAgainLater, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
