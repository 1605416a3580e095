package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestListenServesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.SessionStarted()

	srv, err := m.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "carenote_sessions_started_total 1") {
		t.Fatalf("expected session counter in scrape, got:\n%s", body)
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	t.Parallel()

	if _, err := New().Listen("256.0.0.1:bad", nil); err == nil {
		t.Fatalf("expected listen error")
	}
}
