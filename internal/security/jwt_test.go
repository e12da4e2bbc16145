package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	secret := []byte("test-secret-key-32bytes-long!!!!!")
	token, err := GenerateToken("user-1", RoleLearner, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-1")
	}
	if claims.Role != RoleLearner {
		t.Errorf("Role = %q, want %q", claims.Role, RoleLearner)
	}
	if claims.IssuedAt == 0 {
		t.Error("IssuedAt should be set")
	}
	if claims.ExpiresAt == 0 {
		t.Error("ExpiresAt should be set")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	secret := []byte("test-secret")
	token, _ := GenerateToken("user-1", RoleLearner, secret, -time.Hour)
	_, err := ValidateToken(token, secret)
	if err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	secret := []byte("test-secret")
	_, err := ValidateToken("not-a-valid-jwt", secret)
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenWithoutSubjectRejected(t *testing.T) {
	secret := []byte("test-secret")
	token, _ := GenerateToken("", RoleLearner, secret, time.Hour)
	if _, err := ValidateToken(token, secret); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	token, _ := GenerateToken("user-1", RoleLearner, []byte("secret-1"), time.Hour)
	_, err := ValidateToken(token, []byte("secret-2"))
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func claimsEcho(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			t.Errorf("GetClaims: %v", err)
			return
		}
		w.Write([]byte(claims.UserID))
	})
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	valid, _ := GenerateToken("user-1", RoleLearner, secret, time.Hour)
	expired, _ := GenerateToken("user-1", RoleLearner, secret, -time.Hour)

	tests := []struct {
		name     string
		method   string
		target   string
		header   string
		wantCode int
		wantBody string
	}{
		{"missing", "PUT", "/api/attempts/A1/draft", "", http.StatusUnauthorized, "missing"},
		{"malformed header", "PUT", "/api/attempts/A1/draft", "Token abc", http.StatusUnauthorized, "invalid"},
		{"bad token", "PUT", "/api/attempts/A1/draft", "Bearer nope", http.StatusUnauthorized, "invalid"},
		{"expired", "PUT", "/api/attempts/A1/draft", "Bearer " + expired, http.StatusUnauthorized, "expired"},
		{"valid", "PUT", "/api/attempts/A1/draft", "Bearer " + valid, http.StatusOK, "user-1"},
		{"query token on GET", "GET", "/api/attempts/A1/watch?token=" + valid, "", http.StatusOK, "user-1"},
		{"query token ignored on PUT", "PUT", "/api/attempts/A1/draft?token=" + valid, "", http.StatusUnauthorized, "missing"},
	}
	handler := AuthMiddleware(secret)(claimsEcho(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d (%s)", tt.wantCode, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuthMiddleware_DevMode(t *testing.T) {
	handler := AuthMiddleware(nil)(claimsEcho(t))
	req := httptest.NewRequest("GET", "/api/progress", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != DevUserID {
		t.Fatalf("expected dev identity, got %d %q", w.Code, w.Body.String())
	}
}

func TestGetJWTSecret(t *testing.T) {
	t.Setenv(EnvJWTSecret, "")
	if GetJWTSecret() != nil {
		t.Error("expected nil secret")
	}
	t.Setenv(EnvJWTSecret, "s3cret")
	if string(GetJWTSecret()) != "s3cret" {
		t.Error("expected secret from env")
	}
}
