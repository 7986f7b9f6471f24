package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareResolvesCaller(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		remoteAddr string
		wantUser   string
		wantCaller string
	}{
		{"authenticated user", "pilot-42", "10.0.0.1:5555", "pilot-42", "user:pilot-42"},
		{"falls back to address", "", "10.0.0.1:5555", "", "ip:10.0.0.1"},
		{"rejects malformed header", "bad user\n", "10.0.0.2:1", "", "ip:10.0.0.2"},
		{"anonymous", "", "", "", Anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser, gotCaller string
			h := Middleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = UserIDFromContext(r.Context())
				gotCaller = CallerFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.header != "" {
				req.Header.Set(DefaultUserHeader, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if gotUser != tt.wantUser {
				t.Errorf("user = %q, want %q", gotUser, tt.wantUser)
			}
			if gotCaller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", gotCaller, tt.wantCaller)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	called := false
	h := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without calling next, got %d called=%v", rec.Code, called)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithCaller(context.Background(), "pilot-42", ""))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatal("expected next handler to be called")
	}
}

func TestCallerFromEmptyContext(t *testing.T) {
	if got := CallerFromContext(context.Background()); got != Anonymous {
		t.Fatalf("expected %q, got %q", Anonymous, got)
	}
}
