package tokenbroker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"carenote/internal/domain"
	"carenote/internal/providers/credentials"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueTokenSuccess(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/realtime/token" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "api-key" {
			t.Errorf("unexpected upstream authorization %q", got)
		}
		var body upstreamTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ExpiresIn != 600 {
			t.Errorf("unexpected upstream body %+v err=%v", body, err)
		}
		_, _ = w.Write([]byte(`{"token":"rt-abc"}`))
	}))
	defer upstream.Close()

	recorder := &fakeRecorder{}
	srv := NewServer(Config{
		UpstreamURL: upstream.URL,
		APIKey:      "api-key",
		JWTSecret:   testSecret,
		TokenTTL:    10 * time.Minute,
	}, recorder, nil, nil)

	rec := doTokenRequest(t, srv, signToken(t, testSecret, time.Hour))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["token"] != "rt-abc" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
	if outcomes := recorder.snapshot(); len(outcomes) != 1 || outcomes[0] != "issued" {
		t.Fatalf("unexpected recorded outcomes %v", outcomes)
	}
}

func TestIssueTokenWithoutAPIKeyIsServiceUnavailable(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{JWTSecret: testSecret}, nil, nil, nil)
	rec := doTokenRequest(t, srv, signToken(t, testSecret, time.Hour))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIssueTokenRejectsBadSessions(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{APIKey: "api-key", JWTSecret: testSecret}, nil, nil, nil)
	cases := map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"wrong key": signToken(t, "other-secret", time.Hour),
		"expired":   signToken(t, testSecret, -time.Minute),
	}
	for name, token := range cases {
		if rec := doTokenRequest(t, srv, token); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestIssueTokenUpstreamFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	srv := NewServer(Config{UpstreamURL: upstream.URL, APIKey: "bad"}, nil, nil, nil)
	if rec := doTokenRequest(t, srv, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHealthzAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("carenote_up 1\n"))
	})
	router := NewServer(Config{}, nil, metrics, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "carenote_up 1\n" {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCredentialClientSeesUnconfiguredBrokerAsUnavailable(t *testing.T) {
	t.Parallel()

	broker := httptest.NewServer(NewServer(Config{JWTSecret: testSecret}, nil, nil, nil).Router())
	defer broker.Close()

	client := credentials.NewClient(credentials.Config{
		Endpoint:     broker.URL + TokenPath,
		SessionToken: signToken(t, testSecret, time.Hour),
	})
	_, err := client.Token(context.Background())
	if !errors.Is(err, domain.ErrPrimaryUnavailable) {
		t.Fatalf("expected primary unavailable, got %v", err)
	}
}

func doTokenRequest(t *testing.T, srv *Server, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, TokenPath, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, secret string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   "clinician-1",
		ExpiresAt: time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *fakeRecorder) RecordTokenRequest(outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.outcomes...)
}
