package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Str0ng#Password!")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "Str0ng#Password!" {
		t.Fatalf("unexpected hash %q", hash)
	}
	if !CheckPassword("Str0ng#Password!", hash) {
		t.Fatalf("expected password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected password check to fail")
	}
	if CheckPassword("anything", "") {
		t.Fatalf("empty stored hash must never match")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "Str0ng#Password!", true},
		{"too short", "short1!A", false},
		{"no uppercase", "alllowercase123!", false},
		{"no lowercase", "ALLUPPERCASE123!", false},
		{"no digit", "NoDigitsHere!!!", false},
		{"no special", "NoSpecials1234", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.ok && err != nil {
				t.Fatalf("expected valid password, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrWeakPassword) {
				t.Fatalf("expected ErrWeakPassword, got %v", err)
			}
		})
	}
}
