package ciclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientListBuilds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "token-123" {
			t.Errorf("expected basic auth bot/token-123, got %s/%s (ok=%v)", user, pass, ok)
		}

		_, _ = w.Write([]byte(`{"builds":[{"number":12},{"number":10},{"number":11}]}`))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	builds, err := client.ListBuilds(context.Background(), server.URL, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(builds) != 2 || builds[0] != 11 || builds[1] != 12 {
		t.Errorf("expected [11 12], got %v", builds)
	}
}

func TestClientGetBuildMap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"gateway": 5, "billing": 6}`))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	buildMap, err := client.GetBuildMap(context.Background(), server.URL, 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if buildMap["gateway"] != 5 || buildMap["billing"] != 6 {
		t.Errorf("unexpected build map: %+v", buildMap)
	}
}

func TestClientGetBuildMapMissingArtifactIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New("bot", "token-123")

	_, err := client.GetBuildMap(context.Background(), server.URL, 11)
	if err == nil {
		t.Fatal("expected error for missing build map artifact")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
		t.Errorf("expected HTTPError(404), got %v", err)
	}
}

func TestClientGetArtifactStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<testsuite></testsuite>"))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	reader, err := client.GetArtifact(context.Background(), server.URL, 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = reader.Close() }()

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}

	if string(body) != "<testsuite></testsuite>" {
		t.Errorf("unexpected artifact body: %q", body)
	}
}

func TestClientGetDisplayNameExtractsVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"displayName": "Build #42 (release 1.2.3.4)"}`))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	version, err := client.GetDisplayName(context.Background(), server.URL, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if version != "1.2.3.4" {
		t.Errorf("expected 1.2.3.4, got %q", version)
	}
}

func TestClientGetDisplayNameNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"displayName": "nightly build"}`))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	_, err := client.GetDisplayName(context.Background(), server.URL, 42)
	if !errors.Is(err, ErrNoMatch) {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

func TestClientRetriesOn5xx(t *testing.T) {
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(`{"builds":[]}`))
	}))
	defer server.Close()

	client := New("bot", "token-123")

	if _, err := client.ListBuilds(context.Background(), server.URL, 0); err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}

	if attempts < 2 {
		t.Errorf("expected at least one retry, got %d attempts", attempts)
	}
}
