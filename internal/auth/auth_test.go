package auth

import (
	"errors"
	"testing"

	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol/session"
	"github.com/danmuck/iolink/internal/securechan"
	"github.com/danmuck/iolink/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs.Logf("auth/static-token: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestModePolicy(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		policy ModePolicy
		mode   securechan.Mode
		ok     bool
	}{
		{name: "trusted always", policy: ModePolicy{}, mode: securechan.ModeTrusted, ok: true},
		{name: "self signed denied", policy: ModePolicy{}, mode: securechan.ModeSelfSigned},
		{name: "self signed allowed", policy: ModePolicy{AcceptSelfSigned: true}, mode: securechan.ModeSelfSigned, ok: true},
		{name: "untrusted denied", policy: ModePolicy{AcceptSelfSigned: true}, mode: securechan.ModeUntrusted},
		{name: "permissive", policy: Permissive(), mode: securechan.ModeUntrusted, ok: true},
		{name: "unknown never", policy: Permissive(), mode: securechan.ModeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Authorize(tc.mode)
			if tc.ok && err != nil {
				t.Fatalf("expected accept, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrPeerRejected) {
				t.Fatalf("expected ErrPeerRejected, got %v", err)
			}
		})
	}

	p := PolicyFromCredentials(session.CredentialsConfig{AcceptUntrusted: true})
	if err := p.Authorize(securechan.ModeUntrusted); err != nil {
		t.Fatalf("policy from credentials: %v", err)
	}
}
