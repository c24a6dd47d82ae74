package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tphummel/lab_matrix/internal/middleware"
)

const testToken = "dop_v1_test-token"

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantReach  bool
	}{
		{"no header", "", http.StatusUnauthorized, false},
		{"basic auth scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, false},
		{"bearer prefix only", "Bearer ", http.StatusUnauthorized, false},
		{"lowercase scheme", "bearer " + testToken, http.StatusUnauthorized, false},
		{"leading space in token", "Bearer  " + testToken, http.StatusUnauthorized, false},
		{"token prefix", "Bearer " + testToken[:5], http.StatusUnauthorized, false},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized, false},
		{"correct token", "Bearer " + testToken, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/v2/droplets", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			middleware.Auth(testToken, next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReach {
				t.Errorf("handler reached: got %v, want %v", reached, tt.wantReach)
			}
		})
	}
}

func TestAuth_UnauthorizedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.Auth(testToken, okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type on 401: got %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("401 body is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
	if body["id"] != "unauthorized" {
		t.Errorf("error id: got %q, want unauthorized", body["id"])
	}
}

func TestAuth_DifferentTokens(t *testing.T) {
	handlerA := middleware.Auth("token-a", okHandler)
	handlerB := middleware.Auth("token-b", okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token-a")

	recA := httptest.NewRecorder()
	handlerA.ServeHTTP(recA, req)
	if recA.Code != http.StatusOK {
		t.Errorf("token-a on handlerA: got %d, want 200", recA.Code)
	}

	recB := httptest.NewRecorder()
	handlerB.ServeHTTP(recB, req)
	if recB.Code != http.StatusUnauthorized {
		t.Errorf("token-a on handlerB: got %d, want 401", recB.Code)
	}
}
