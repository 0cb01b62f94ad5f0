package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	readerSecret = "reader-secret-0123456789"
	writerSecret = "writer-secret-0123456789"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeAPIKey, Keys: []Key{
		{Name: "dashboard", Secret: readerSecret, Permissions: []string{PermissionRead}},
		{Name: "pipeline", Secret: writerSecret, Permissions: []string{PermissionRead, PermissionWrite}},
		{Name: "retired", Secret: "retired-secret-0123456789", Permissions: []string{PermissionAdmin}, Disabled: true},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+writerSecret)
	if err != nil || subject.Name != "pipeline" || !subject.HasPermission(PermissionWrite) {
		t.Fatalf("unexpected subject %+v (%v)", subject, err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "bearer retired-secret-0123456789"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	cases := map[string]Config{
		"unknown mode": {Mode: "oauth"},
		"no keys":      {Mode: ModeAPIKey},
		"short secret": {Mode: ModeAPIKey, Keys: []Key{{Name: "a", Secret: "short"}}},
		"duplicate": {Mode: ModeAPIKey, Keys: []Key{
			{Name: "a", Secret: readerSecret}, {Name: "a", Secret: writerSecret},
		}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: DefaultPermissions})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	cases := []struct {
		name   string
		method string
		token  string
		status int
	}{
		{"anonymous", http.MethodGet, "", http.StatusUnauthorized},
		{"reader reads", http.MethodGet, readerSecret, http.StatusNoContent},
		{"reader writes", http.MethodPost, readerSecret, http.StatusForbidden},
		{"writer writes", http.MethodPost, writerSecret, http.StatusNoContent},
		{"revoked", http.MethodGet, "retired-secret-0123456789", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/assessments", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
	if seen == nil || seen.Name != "pipeline" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: DefaultPermissions})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
