package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/authn"

	"github.com/holesch/not-my-board/internal/transport/pipe"
)

func TestServerPublicPathsBypassAuth(t *testing.T) {
	t.Parallel()

	authMiddleware := authn.NewMiddleware(func(_ context.Context, r *http.Request) (any, error) {
		if r.Header.Get("Authorization") == "" {
			return nil, authn.Errorf("missing bearer token")
		}
		return struct{}{}, nil
	})

	ln := pipe.NewListener()
	defer ln.Close()

	srv, err := NewServer(
		WithListener(ln),
		WithAuthMiddleware(authMiddleware),
		WithAllowedOrigins([]string{"https://example.com"}),
		WithPublicPaths([]string{"/healthz"}),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			mux.HandleFunc("/places", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	t.Run("public path without token is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("private path without token is blocked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/places", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code == http.StatusOK {
			t.Fatalf("expected non-200 status for private path without token, got %d", rec.Code)
		}
	})

	t.Run("private path with token is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/places", nil)
		req.Header.Set("Authorization", "Bearer test-token")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}

func TestNewServerRequiresAllowedOriginsWithAuth(t *testing.T) {
	t.Parallel()

	authMiddleware := authn.NewMiddleware(func(_ context.Context, _ *http.Request) (any, error) {
		return struct{}{}, nil
	})

	ln := pipe.NewListener()
	defer ln.Close()

	_, err := NewServer(WithListener(ln), WithAuthMiddleware(authMiddleware))
	if err == nil {
		t.Fatal("expected an error when auth is enabled without allowed origins")
	}
}

func TestServerServesOverPipeListener(t *testing.T) {
	t.Parallel()

	ln := pipe.NewListener()
	srv, err := NewServer(
		WithListener(ln),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Start(ctx) }()

	conn, err := ln.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return conn, nil
			},
		},
	}
	resp, err := client.Get("http://pipe/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-serveDone
}
