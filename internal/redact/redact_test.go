package redact

import (
	"strings"
	"testing"
)

func TestApplyMasksChannelToken(t *testing.T) {
	r := New(true, nil)
	out := r.Apply("ws://localhost:8000/ws/dashboard/?token=abc123&x=1")
	if strings.Contains(out, "abc123") {
		t.Fatalf("token leaked: %s", out)
	}
	if !strings.Contains(out, "?token=[REDACTED]&x=1") {
		t.Fatalf("unexpected redaction: %s", out)
	}
}

func TestApplyMasksBearerAndJWT(t *testing.T) {
	r := New(true, nil)
	out := r.Apply("Authorization: Bearer abc.def.ghi and eyJhbGciOi.eyJzdWIi.c2lnbmF0dXJl")
	if strings.Contains(out, "abc.def.ghi") || strings.Contains(out, "c2lnbmF0dXJl") {
		t.Fatalf("credential leaked: %s", out)
	}
}

func TestApplyMasksPasswordField(t *testing.T) {
	r := New(true, nil)
	out := r.Apply(`{"username":"ana","password":"hunter2"}`)
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %s", out)
	}
	if !strings.Contains(out, `"username":"ana"`) {
		t.Fatalf("expected username kept: %s", out)
	}
}

func TestDisabledAndCustomRules(t *testing.T) {
	if got := New(false, nil).Apply("?token=abc"); got != "?token=abc" {
		t.Fatalf("disabled redactor changed input: %s", got)
	}
	r := New(true, []string{"node-[0-9]+", "("})
	if got := r.Apply("served by node-17"); got != "served by [REDACTED_CUSTOM]" {
		t.Fatalf("unexpected custom redaction: %s", got)
	}
}

func TestToken(t *testing.T) {
	cases := map[string]string{
		"":                 "(none)",
		"short":            "****",
		"abcdefghijklmnop": "abcd...",
	}
	for in, want := range cases {
		if got := Token(in); got != want {
			t.Fatalf("Token(%q)=%q want %q", in, got, want)
		}
	}
}
