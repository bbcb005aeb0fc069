package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		err    error
	}{
		{"Bearer abc", "abc", nil},
		{"bearer  abc ", "abc", nil},
		{"", "", ErrMissingToken},
		{"Basic abc", "", ErrInvalidToken},
		{"Bearer", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		got, err := ParseBearerToken(tt.header)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("%q: expected %v, got %v", tt.header, tt.err, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: expected %q, got %q err=%v", tt.header, tt.want, got, err)
		}
	}
}

func TestSignVerify(t *testing.T) {
	v := NewVerifier("secret")
	tok, err := v.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	uid, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if uid != "user-1" {
		t.Errorf("Expected user-1, got %s", uid)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	other, _ := NewVerifier("other").Sign("user-1", time.Hour)
	if _, err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected wrong signature to fail, got %v", err)
	}

	expired, _ := v.Sign("user-1", -time.Minute)
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected expired token to fail, got %v", err)
	}

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := v.Verify(none); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected unsigned token to fail, got %v", err)
	}

	anonymous, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	if _, err := v.Verify(anonymous); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected token without user to fail, got %v", err)
	}
}

func TestAuthenticate_QueryFallback(t *testing.T) {
	v := NewVerifier("secret")
	tok, _ := v.Sign("user-2", time.Hour)

	r := httptest.NewRequest("GET", "/ws?token="+tok, nil)
	uid, err := v.Authenticate(r)
	if err != nil || uid != "user-2" {
		t.Errorf("Expected user-2 from query token, got %q err=%v", uid, err)
	}

	r = httptest.NewRequest("GET", "/unread", nil)
	if _, err := v.Authenticate(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("Expected ErrMissingToken, got %v", err)
	}
}

// TestUserFromToken 署名を検証せずにユーザーIDを取り出せることを確認
func TestUserFromToken(t *testing.T) {
	tok, err := NewVerifier("some-other-secret").Sign("user-7", time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	got, err := UserFromToken(tok)
	if err != nil {
		t.Fatalf("UserFromToken failed: %v", err)
	}
	if got != "user-7" {
		t.Errorf("Expected user-7, got %s", got)
	}

	if _, err := UserFromToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}
