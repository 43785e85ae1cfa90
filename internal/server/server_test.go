package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"signalsim/internal/config"
	"signalsim/internal/db"
	"signalsim/internal/engine"
	"signalsim/internal/events"
	"signalsim/internal/metrics"
	"signalsim/internal/migrate"
	"signalsim/internal/registry"
)

type testServer struct {
	URL     string
	Engine  *engine.Engine
	Journal *events.Journal
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	journal := &events.Journal{DB: conn}
	e := engine.New(registry.New(), journal, metrics.New(), nil)
	if _, err := e.SeedDefault(context.Background()); err != nil {
		t.Fatalf("seed default: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/api/v1", Auth: auth, Metrics: e.Metrics})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Journal: journal,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func twoPhaseBody(id string) map[string]any {
	body := map[string]any{
		"name": "Side street",
		"phases": []map[string]any{
			{"name": "P1", "duration": 5, "signals": map[string]string{"NS": "GREEN", "EW": "RED"}},
			{"name": "P2", "duration": 5, "signals": map[string]string{"NS": "RED", "EW": "GREEN"}},
		},
	}
	if id != "" {
		body["id"] = id
	}
	return body
}

func TestHealthAndList(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	for _, path := range []string{"/api/v1/intersections", "/api/v1/intersections/"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list %s: %d %s", path, res.StatusCode, string(data))
		}
		var list IntersectionsListResponse
		if err := json.Unmarshal(data, &list); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		if len(list.Items) != 1 || list.Items[0].ID != "default" {
			t.Fatalf("unexpected list: %+v", list)
		}
	}
}

func TestTickAndState(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick", map[string]any{"seconds": 40}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick: %d %s", res.StatusCode, string(data))
	}
	var state StateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.PhaseName != "EW_GREEN" || state.ElapsedInPhase != 5 || state.PhaseDuration != 30 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Signals["NS"] != "RED" || state.Signals["EW"] != "GREEN" {
		t.Fatalf("unexpected signals: %+v", state.Signals)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/intersections/default/state", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state: %d %s", res.StatusCode, string(data))
	}
	var again StateResponse
	_ = json.Unmarshal(data, &again)
	if again.PhaseName != state.PhaseName || again.ElapsedInPhase != state.ElapsedInPhase {
		t.Fatalf("state drifted: %+v vs %+v", again, state)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/reset", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset: %d %s", res.StatusCode, string(data))
	}
	var reset StateResponse
	_ = json.Unmarshal(data, &reset)
	if reset.PhaseName != "NS_GREEN" || reset.ElapsedInPhase != 0 {
		t.Fatalf("unexpected reset state: %+v", reset)
	}
}

func TestNegativeTickIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/intersections/default/tick", map[string]any{"seconds": -1}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_argument" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestUnknownIntersectionIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/intersections/missing/state", nil},
		{http.MethodGet, "/api/v1/intersections/missing", nil},
		{http.MethodPost, "/api/v1/intersections/missing/tick", map[string]any{"seconds": 5}},
		{http.MethodPost, "/api/v1/intersections/missing/reset", nil},
		{http.MethodDelete, "/api/v1/intersections/missing", nil},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d %s", tc.method, tc.path, res.StatusCode, string(data))
		}
		if env := decodeError(t, data); env.Error.Code != "not_found" {
			t.Fatalf("%s %s: unexpected code %q", tc.method, tc.path, env.Error.Code)
		}
	}
}

func TestUpsertGetAndDelete(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/api/v1/intersections/side", twoPhaseBody("side"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert: %d %s", res.StatusCode, string(data))
	}
	var cfg IntersectionConfigResponse
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.ID != "side" || len(cfg.Phases) != 2 || cfg.Phases[1].Signals["EW"] != "GREEN" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/intersections/side", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/side/tick", map[string]any{"seconds": 12}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick: %d %s", res.StatusCode, string(data))
	}
	var state StateResponse
	_ = json.Unmarshal(data, &state)
	if state.PhaseName != "P1" || state.ElapsedInPhase != 2 {
		t.Fatalf("unexpected state after wrap: %+v", state)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/intersections/side", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/intersections/side/state", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestUpsertRejectsInvalidConfiguration(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/api/v1/intersections/default", map[string]any{
		"name": "Broken",
		"phases": []map[string]any{
			{"name": "OK", "duration": 10, "signals": map[string]string{"NS": "GREEN", "EW": "RED"}},
			{"name": "BOTH", "duration": 10, "signals": map[string]string{"NS": "GREEN", "EW": "GREEN"}},
		},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_configuration" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	if env.Error.Details["phase_name"] != "BOTH" {
		t.Fatalf("unexpected details: %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/intersections/default", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config: %d %s", res.StatusCode, string(data))
	}
	var cfg IntersectionConfigResponse
	_ = json.Unmarshal(data, &cfg)
	if cfg.Name != "Main intersection" || len(cfg.Phases) != 4 {
		t.Fatalf("rejected upsert replaced the intersection: %+v", cfg)
	}
}

func TestUpsertIDMismatch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/v1/intersections/side", twoPhaseBody("other"), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_argument" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestUpsertRequiresName(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	body := twoPhaseBody("side")
	body["name"] = "  "
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/v1/intersections/side", body, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_configuration" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/intersections/side", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("nameless intersection was created: %d", res.StatusCode)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	body := twoPhaseBody("side")
	body["name"] = strings.Repeat("x", maxBodyBytes+1)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/v1/intersections/side", body, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "bad_request" || !strings.Contains(env.Error.Message, "exceeds") {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/intersections/side", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("oversized upsert was applied: %d", res.StatusCode)
	}
}

func TestEventsAndRequestID(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick",
		map[string]any{"seconds": 3}, map[string]string{"X-Request-Id": "trace-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick: %d %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Request-Id"); got != "trace-1" {
		t.Fatalf("request id not echoed: %q", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/events?intersection_id=default&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var list EventsResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != events.TypeTick || list.Items[0].RequestID != "trace-1" {
		t.Fatalf("unexpected events: %+v", list.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestMetricsAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick", map[string]any{"seconds": 40}, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `signalsim_phase_transitions_total{intersection="default"} 2`) {
		t.Fatalf("transition counter missing:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/api/v1/intersections/{id}/tick") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs: %d", res.StatusCode)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestBearerAuthGuardsMutations(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/intersections/default/state", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads should stay open: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick", map[string]any{"seconds": 1}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	bad := signToken(t, "other-secret", "ops")
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick",
		map[string]any{"seconds": 1}, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signature, got %d", res.StatusCode)
	}

	good := signToken(t, secret, "ops")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/intersections/default/tick",
		map[string]any{"seconds": 1}, map[string]string{"Authorization": "Bearer " + good})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authorized tick: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/events?intersection_id=default&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var list EventsResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != events.TypeTick || list.Items[0].ActorID != "ops" {
		t.Fatalf("tick not attributed to token subject: %+v", list.Items)
	}
}

func TestAuthenticateJWTRequiresSubject(t *testing.T) {
	token := signToken(t, "s", "")
	if _, err := authenticateJWT(token, "s"); err == nil {
		t.Fatalf("expected error for token without subject")
	}
	subject, err := authenticateJWT(signToken(t, "s", "ops"), "s")
	if err != nil || subject != "ops" {
		t.Fatalf("unexpected subject %q %v", subject, err)
	}
}

type webhookReceiver struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	recv := &webhookReceiver{}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		recv.mu.Lock()
		recv.events = append(recv.events, evt)
		recv.headers = append(recv.headers, r.Header.Clone())
		recv.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	hooks := []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Secret: "shh",
		Events: []string{events.TypeReset},
	}}
	d := newWebhookDispatcher(srv.Journal, hooks, nil)
	ctx := context.Background()
	// The first pass pins the cursor at the current head, so the seed
	// upsert is never delivered.
	d.dispatchAll(ctx)

	if _, err := srv.Engine.AdvanceTime(ctx, "default", 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := srv.Engine.Reset(events.WithActor(ctx, "ops"), "default"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	d.dispatchAll(ctx)

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if len(recv.events) != 1 {
		t.Fatalf("expected 1 delivery, got %d: %+v", len(recv.events), recv.events)
	}
	if recv.events[0].Type != events.TypeReset || recv.events[0].IntersectionID != "default" || recv.events[0].ActorID != "ops" {
		t.Fatalf("unexpected delivery: %+v", recv.events[0])
	}
	if recv.headers[0].Get("X-Signalsim-Secret") != "shh" || recv.headers[0].Get("X-Signalsim-Event") != events.TypeReset {
		t.Fatalf("unexpected headers: %+v", recv.headers[0])
	}
}
