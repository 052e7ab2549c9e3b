package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-screening/internal/config"

	"github.com/gin-gonic/gin"
)

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	pair, err := m.IssuePair(time.Now(), "user-1", "owner-1", "owner")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var gotOwner string
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		gotOwner, _ = OwnerID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"access token", "Bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
	if gotOwner != "owner-1" {
		t.Fatalf("expected owner in context, got %q", gotOwner)
	}
}

func TestRequireAccessToken_DelegateIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	pair, err := m.IssuePair(time.Now(), "assistant-7", "owner-1", "delegate")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var got Identity
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		got, _ = IdentityFrom(c.Request.Context())
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := Identity{UserID: "assistant-7", OwnerID: "owner-1", Role: "delegate"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestIdentityFrom_RequiresOwnerAndRole(t *testing.T) {
	if _, err := IdentityFrom(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: "u", Role: "owner"})
	if _, err := OwnerID(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("identity without owner must not scope calls, got %v", err)
	}
}
