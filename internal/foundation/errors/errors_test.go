package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifiedError(t *testing.T) {
	t.Run("Basic error creation", func(t *testing.T) {
		err := NewError(CategoryConfig, "invalid configuration").
			WithSeverity(SeverityFatal).
			WithContext("file", "config.yaml").
			Build()

		if err.Category() != CategoryConfig {
			t.Errorf("expected category %s, got %s", CategoryConfig, err.Category())
		}
		if err.Severity() != SeverityFatal {
			t.Errorf("expected severity %s, got %s", SeverityFatal, err.Severity())
		}
		if err.Message() != "invalid configuration" {
			t.Errorf("expected message 'invalid configuration', got %s", err.Message())
		}

		file, exists := err.Context().GetString("file")
		if !exists || file != "config.yaml" {
			t.Errorf("expected context file=config.yaml, got %v", file)
		}
	})

	t.Run("Error detection through wrapping", func(t *testing.T) {
		inner := QuotaError("too many active builds").Build()
		wrapped := fmt.Errorf("admit: %w", inner)

		if !IsClassified(wrapped) {
			t.Error("expected wrapped error to be classified")
		}
		if !HasCategory(wrapped, CategoryQuota) {
			t.Error("expected quota category")
		}
		if GetRetryStrategy(wrapped) != RetryRateLimit {
			t.Errorf("expected rate limit retry, got %s", GetRetryStrategy(wrapped))
		}
	})

	t.Run("Unclassified defaults", func(t *testing.T) {
		plain := errors.New("boom")
		if GetCategory(plain) != CategoryInternal {
			t.Errorf("expected internal category, got %s", GetCategory(plain))
		}
		if GetRetryStrategy(plain) != RetryNever {
			t.Errorf("expected never retry, got %s", GetRetryStrategy(plain))
		}
	})
}

func TestErrorBuilder(t *testing.T) {
	t.Run("Wrap keeps cause", func(t *testing.T) {
		originalErr := errors.New("disk full")
		err := WrapError(originalErr, CategoryFileSystem, "write artifact").
			Retryable().
			WithContext("path", "/tmp/x").
			Build()

		if !errors.Is(err, originalErr) {
			t.Error("expected errors.Is to find the cause")
		}
		if !err.CanRetry() {
			t.Error("expected retryable error")
		}
		if err.Cause() != originalErr {
			t.Error("expected cause to be preserved")
		}
	})

	t.Run("WithContext does not mutate original", func(t *testing.T) {
		base := NotFoundError("build not found").Build()
		extended := base.WithContext("id", "abc")

		if _, ok := base.Context().Get("id"); ok {
			t.Error("expected base context to stay unchanged")
		}
		if id, ok := extended.Context().GetString("id"); !ok || id != "abc" {
			t.Errorf("expected id=abc, got %q", id)
		}
	})
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *ClassifiedError
		category ErrorCategory
		canRetry bool
	}{
		{"validation", ValidationError("bad").Build(), CategoryValidation, false},
		{"field", FieldError("packageId", "no dot").Build(), CategoryValidation, false},
		{"auth", AuthError("missing credential").Build(), CategoryAuth, false},
		{"quota", QuotaError("full").Build(), CategoryQuota, true},
		{"not found", NotFoundError("missing").Build(), CategoryNotFound, false},
		{"ownership", OwnershipError("denied").Build(), CategoryOwnership, false},
		{"conflict", ConflictError("already building").Build(), CategoryConflict, false},
		{"pipeline", PipelineError("compile failed").Build(), CategoryPipeline, false},
		{"internal", InternalError("unexpected").Build(), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category() != tt.category {
				t.Errorf("expected %s, got %s", tt.category, tt.err.Category())
			}
			if tt.err.CanRetry() != tt.canRetry {
				t.Errorf("expected CanRetry=%v", tt.canRetry)
			}
		})
	}

	field := FieldError("primaryColor", "must be #RRGGBB").Build()
	if f, _ := field.Context().GetString("field"); f != "primaryColor" {
		t.Errorf("expected field context, got %q", f)
	}
}
