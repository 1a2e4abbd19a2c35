package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/internal/storage/storagetest"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://tandem.example.com", want: "wss://tandem.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}
	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("TANDEM_STORE", "DynamoDB")
	t.Setenv("TANDEM_DYNAMODB_TABLE_PREFIX", "dev_")
	t.Setenv("TANDEM_WS_ALLOWED_ORIGINS", " https://a.test, ,https://b.test ")
	t.Setenv("TANDEM_WS_RATE_WINDOW", "3s")
	t.Setenv("TANDEM_DB_MAX_CONNS", "-4")
	t.Setenv("TANDEM_AUTH_QUERY_TOKEN", "nope")

	cfg := LoadConfig()
	if cfg.Store != StoreDynamo || cfg.DynamoTablePrefix != "dev_" {
		t.Fatalf("store=%q prefix=%q", cfg.Store, cfg.DynamoTablePrefix)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://b.test" {
		t.Fatalf("origins=%v", cfg.WSAllowedOrigins)
	}
	if cfg.WSRateWindow != 3*time.Second {
		t.Fatalf("rate window=%v", cfg.WSRateWindow)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("negative max conns must fall back to default, got %d", cfg.DBMaxConns)
	}
	if !cfg.AuthQueryToken {
		t.Fatalf("unparseable bool must fall back to default")
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	t.Parallel()

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "header behind proxy", cfg: Config{AuthMode: AuthHeader, AuthTrustProxy: true}, ok: true},
		{name: "header without proxy", cfg: Config{AuthMode: AuthHeader}},
		{name: "paseto without key", cfg: Config{AuthMode: AuthPaseto}},
		{name: "jwt short secret", cfg: Config{AuthMode: AuthJWT, JWTSecret: "short"}},
		{name: "jwt", cfg: Config{AuthMode: AuthJWT, JWTSecret: strings.Repeat("x", 32)}, ok: true},
		{name: "unknown", cfg: Config{AuthMode: "basic"}},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestNewIdentityProvider_Paseto(t *testing.T) {
	t.Parallel()

	secret, public := identity.GeneratePasetoKeys()
	p, err := NewIdentityProvider(Config{AuthMode: AuthPaseto, PasetoPublicKey: public, PasetoIssuer: "tandem"})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	iss, err := identity.NewPasetoIssuer(secret, "tandem")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, _ := iss.Issue("alice", time.Minute, time.Now())

	r := httptest.NewRequest(http.MethodGet, "/v1/matches", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	got, err := p.Authenticate(r)
	if err != nil || got.UserID != "alice" {
		t.Fatalf("authenticate: %+v %v", got, err)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()

	profiles := filepath.Join(t.TempDir(), "profiles.yaml")
	fixture := "profiles:\n  - uid: alice\n    nickname: Alice\n  - uid: bob\n    nickname: Bob\n"
	if err := os.WriteFile(profiles, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return Config{
		HTTPAddr:       "127.0.0.1:0",
		Store:          StoreMemory,
		AuthMode:       AuthHeader,
		AuthHeader:     identity.DefaultUserHeader,
		AuthTrustProxy: true,
		ProfilesFile:   profiles,
		MaxBodyBytes:   1 << 10,
		ListFanout:     2,
		CORSAllowedOrigins: []string{
			"https://app.example.com",
		},
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func call(t *testing.T, h http.Handler, uid, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if uid != "" {
		req.Header.Set(identity.DefaultUserHeader, uid)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_HealthReadyMetrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	h := a.Handler()

	if rec := call(t, h, "", http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rec.Code)
	}
	rec := call(t, h, "", http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz=%d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("middleware headers missing: %v", rec.Header())
	}

	_ = call(t, h, "alice", http.MethodPost, "/v1/likes", `{"to_uid":"bob"}`)
	rec = call(t, h, "", http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics=%d", rec.Code)
	}
	for _, want := range []string{"tandem_likes_submitted_total", "tandem_http_request_duration_ms", "go_goroutines"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestApp_ReadinessRequiresPersistentStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ReadinessRequireStore = true
	a := newTestApp(t, cfg)

	if rec := call(t, a.Handler(), "", http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("in-memory store must not be ready, got %d", rec.Code)
	}
}

func TestApp_MatchAndConversationThroughFullStack(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	h := a.Handler()

	if rec := call(t, h, "", http.MethodGet, "/v1/matches", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous=%d", rec.Code)
	}

	if rec := call(t, h, "alice", http.MethodPost, "/v1/likes", `{"to_uid":"bob"}`); rec.Code != http.StatusCreated {
		t.Fatalf("alice->bob=%d %s", rec.Code, rec.Body)
	}
	rec := call(t, h, "bob", http.MethodPost, "/v1/likes", `{"to_uid":"alice"}`)
	var like struct {
		Matched bool   `json:"matched"`
		MatchID string `json:"match_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &like); err != nil || !like.Matched || like.MatchID != "alice:bob" {
		t.Fatalf("bob->alice: %s (%v)", rec.Body, err)
	}

	if rec := call(t, h, "alice", http.MethodPost, "/v1/matches/alice:bob/messages", `{"content":"hi bob"}`); rec.Code != http.StatusCreated {
		t.Fatalf("send=%d %s", rec.Code, rec.Body)
	}

	rec = call(t, h, "bob", http.MethodGet, "/v1/conversations", "")
	var inbox struct {
		Conversations []struct {
			MatchID         string `json:"match_id"`
			PartnerNickname string `json:"partner_nickname"`
			LastMessage     string `json:"last_message"`
			UnreadCount     int    `json:"unread_count"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &inbox); err != nil || len(inbox.Conversations) != 1 {
		t.Fatalf("inbox: %s (%v)", rec.Body, err)
	}
	c := inbox.Conversations[0]
	if c.PartnerNickname != "Alice" || c.LastMessage != "hi bob" || c.UnreadCount != 1 {
		t.Fatalf("conversation row: %+v", c)
	}
}

func TestApp_CORSDeniesForeignOrigin(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	req := httptest.NewRequest(http.MethodGet, "/v1/matches", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set(identity.DefaultUserHeader, "alice")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin=%d", rec.Code)
	}
}

func TestNew_RejectsUnknownStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store = "redis"
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("unknown store accepted")
	}
}

func TestNotifierPollInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		configured time.Duration
		persistent bool
		want       time.Duration
	}{
		{name: "memory default", want: 0},
		{name: "shared store default", persistent: true, want: defaultPersistentPoll},
		{name: "explicit wins", configured: 500 * time.Millisecond, persistent: true, want: 500 * time.Millisecond},
		{name: "explicit in memory", configured: time.Second, want: time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := notifierPollInterval(tc.configured, tc.persistent); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestApp_InMemoryHubDoesNotPoll(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	if got := a.hub.PollInterval(); got != 0 {
		t.Fatalf("poll interval=%v want 0", got)
	}
}

func TestApp_PostgresHubPolls(t *testing.T) {
	t.Parallel()

	_, schema := storagetest.Postgres(t)

	cfg := testConfig(t)
	cfg.Store = StorePostgres
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("TANDEM_DATABASE_URL"))
	cfg.DBSchema = schema
	cfg.DBMaxConns = 4
	a := newTestApp(t, cfg)

	if got := a.hub.PollInterval(); got != defaultPersistentPoll {
		t.Fatalf("poll interval=%v want %v", got, defaultPersistentPoll)
	}
	if rec := call(t, a.Handler(), "", http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz=%d", rec.Code)
	}
}
