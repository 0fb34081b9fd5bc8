package apierr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"avatarctl/internal/apierr"
)

func body(code, message string) apierr.Body {
	var b apierr.Body
	b.Error.Code = code
	b.Error.Message = message
	return b
}

func TestFromResponseClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   apierr.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, "", apierr.KindAuth},
		{"forbidden", http.StatusForbidden, "", apierr.KindAuth},
		{"forbidden policy", http.StatusForbidden, "content_rejected", apierr.KindPolicy},
		{"payment required", http.StatusPaymentRequired, "", apierr.KindPolicy},
		{"bad request", http.StatusBadRequest, "prompt_too_short", apierr.KindValidation},
		{"unprocessable policy", http.StatusUnprocessableEntity, "POLICY_VIOLATION", apierr.KindPolicy},
		{"conflict plan limit", http.StatusConflict, "plan_limit", apierr.KindPolicy},
		{"not found", http.StatusNotFound, "", apierr.KindNotFound},
		{"rate limited", http.StatusTooManyRequests, "", apierr.KindNetwork},
		{"server", http.StatusBadGateway, "", apierr.KindServer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := apierr.FromResponse("create avatar", tc.status, body(tc.code, "nope"))
			if err.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", err.Kind, tc.want)
			}
			if got := apierr.Classify(fmt.Errorf("wrapped: %w", err)); got != tc.want {
				t.Fatalf("Classify through wrap = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMessageTextDoesNotAffectKind(t *testing.T) {
	err := apierr.FromResponse("create avatar", http.StatusBadRequest, body("", "monthly limit reached"))
	if err.Kind != apierr.KindValidation {
		t.Fatalf("expected validation, got %s", err.Kind)
	}
}

func TestSentinelMatching(t *testing.T) {
	err := apierr.FromResponse("save prompts", http.StatusForbidden, body("policy_violation", "rejected"))
	if !errors.Is(err, apierr.ErrPolicy) {
		t.Fatal("expected ErrPolicy match")
	}
	if errors.Is(err, apierr.ErrValidation) {
		t.Fatal("policy error must not match validation")
	}
	if !strings.Contains(err.Error(), "save prompts") {
		t.Fatalf("expected operation in message, got %q", err.Error())
	}
}

func TestFromTransport(t *testing.T) {
	if err := apierr.FromTransport("get", context.Canceled); !errors.Is(err, context.Canceled) || apierr.Retryable(err) {
		t.Fatalf("cancellation must pass through untouched, got %v", err)
	}
	err := apierr.FromTransport("get", context.DeadlineExceeded)
	if !errors.Is(err, apierr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !apierr.Retryable(err) {
		t.Fatal("network errors should be retryable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected cause to be preserved")
	}
	if apierr.FromTransport("get", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestClassifyFallbacks(t *testing.T) {
	if apierr.Classify(nil) != "" {
		t.Fatal("nil should have no kind")
	}
	if apierr.Classify(errors.New("boom")) != apierr.KindServer {
		t.Fatal("unclassified errors are server errors")
	}
	if !apierr.IsAuth(apierr.Wrap(apierr.KindAuth, "token", "missing", nil)) {
		t.Fatal("expected auth")
	}
	if apierr.Retryable(apierr.Wrap(apierr.KindServer, "x", "y", nil)) {
		t.Fatal("server errors are not retryable")
	}
}
