// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauth2

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateCodeVerifier(t *testing.T) {
	v1, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("failed to generate verifier: %v", err)
	}
	if err := ValidateCodeVerifier(v1); err != nil {
		t.Errorf("generated verifier is invalid: %v", err)
	}

	v2, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("failed to generate verifier: %v", err)
	}
	if v1 == v2 {
		t.Error("verifiers must be unique")
	}
}

func TestValidateCodeVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  error
	}{
		{"valid_min_length", strings.Repeat("a", 43), nil},
		{"valid_max_length", strings.Repeat("a", 128), nil},
		{"too_short", strings.Repeat("a", 42), ErrPKCEVerifierTooShort},
		{"too_long", strings.Repeat("a", 129), ErrPKCEVerifierTooLong},
		{"invalid_characters", strings.Repeat("a", 42) + "!", ErrPKCEVerifierInvalid},
		{"unreserved_punctuation_ok", strings.Repeat("a", 40) + "-._~", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCodeVerifier(tt.verifier)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyCodeChallenge(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("failed to generate verifier: %v", err)
	}
	challenge := GenerateCodeChallenge(verifier)

	t.Run("matching_verifier", func(t *testing.T) {
		if err := VerifyCodeChallenge(verifier, challenge, PKCEMethodS256); err != nil {
			t.Errorf("expected match, got %v", err)
		}
	})

	t.Run("empty_method_defaults_to_s256", func(t *testing.T) {
		if err := VerifyCodeChallenge(verifier, challenge, ""); err != nil {
			t.Errorf("expected match, got %v", err)
		}
	})

	t.Run("wrong_verifier", func(t *testing.T) {
		other, _ := GenerateCodeVerifier()
		err := VerifyCodeChallenge(other, challenge, PKCEMethodS256)
		if !errors.Is(err, ErrPKCEVerificationFailed) {
			t.Errorf("expected %v, got %v", ErrPKCEVerificationFailed, err)
		}
	})

	t.Run("plain_method_rejected", func(t *testing.T) {
		err := VerifyCodeChallenge(verifier, verifier, "plain")
		if !errors.Is(err, ErrPKCEMethodNotSupported) {
			t.Errorf("expected %v, got %v", ErrPKCEMethodNotSupported, err)
		}
	})
}

func TestGenerateSecureTokens(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := GenerateAccessToken()
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		if seen[tok] {
			t.Fatal("duplicate token generated")
		}
		seen[tok] = true
	}

	id, err := GenerateClientID()
	if err != nil {
		t.Fatalf("failed to generate client id: %v", err)
	}
	if strings.ContainsAny(id, "+/=") {
		t.Errorf("client id must be base64url without padding, got %q", id)
	}
}
