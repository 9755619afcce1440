package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	ojerrors "github.com/oj-run/oj/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ojerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &ojerrors.ValidationError{
				Field:      "heartbeat_interval",
				Message:    "required field is missing",
				Suggestion: "set heartbeat_interval on the lock",
			},
			wantMsg: "validation failed on heartbeat_interval: required field is missing",
		},
		{
			name: "without field",
			err: &ojerrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ojerrors.NotFoundError
		wantMsg string
	}{
		{
			name:    "pipeline not found",
			err:     &ojerrors.NotFoundError{Resource: "pipeline", ID: "build-feature"},
			wantMsg: "pipeline not found: build-feature",
		},
		{
			name:    "session not found",
			err:     &ojerrors.NotFoundError{Resource: "session", ID: "oj-build-feature"},
			wantMsg: "session not found: oj-build-feature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestPreconditionError_Error(t *testing.T) {
	err := &ojerrors.PreconditionError{What: "workspace parent", Path: "/tmp/worktrees"}
	want := "precondition failed: workspace parent (/tmp/worktrees)"
	if got := err.Error(); got != want {
		t.Errorf("PreconditionError.Error() = %q, want %q", got, want)
	}
}

func TestAdapterError_Error(t *testing.T) {
	cause := errors.New("no such session")
	err := &ojerrors.AdapterError{Adapter: "session", Op: "spawn", Cause: cause}
	got := err.Error()
	for _, want := range []string{"session", "spawn", "no such session"} {
		if !strings.Contains(got, want) {
			t.Errorf("AdapterError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.Unwrap() != cause {
		t.Errorf("AdapterError.Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestDurabilityError_Error(t *testing.T) {
	cause := errors.New("disk full")
	err := &ojerrors.DurabilityError{Op: "wal_append", Cause: cause}
	if !strings.Contains(err.Error(), "wal_append") || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("DurabilityError.Error() = %q, missing expected substrings", err.Error())
	}
}

func TestCorruptionError_Error(t *testing.T) {
	err := &ojerrors.CorruptionError{Line: 6, Reason: "checksum mismatch"}
	want := "wal corruption at line 6: checksum mismatch"
	if got := err.Error(); got != want {
		t.Errorf("CorruptionError.Error() = %q, want %q", got, want)
	}
}

func TestExhaustionError_Error(t *testing.T) {
	err := &ojerrors.ExhaustionError{Resource: "sessions", Limit: 10, Current: 10}
	if !strings.Contains(err.Error(), "sessions") {
		t.Errorf("ExhaustionError.Error() = %q, missing resource name", err.Error())
	}
}

func TestCoordinationError_Error(t *testing.T) {
	err := &ojerrors.CoordinationError{Kind: "lock_held", Message: "deploy is held by H1"}
	want := "lock_held: deploy is held by H1"
	if got := err.Error(); got != want {
		t.Errorf("CoordinationError.Error() = %q, want %q", got, want)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ojerrors.TimeoutError
		want []string
	}{
		{
			name: "ipc request timeout",
			err:  &ojerrors.TimeoutError{Operation: "ipc request", Duration: 30 * time.Second},
			want: []string{"ipc request", "30s"},
		},
		{
			name: "adapter timeout",
			err:  &ojerrors.TimeoutError{Operation: "session spawn", Duration: 2 * time.Minute},
			want: []string{"session spawn", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &ojerrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: cause}
	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &ojerrors.ValidationError{Field: "phase", Message: "unknown phase"}
		wrapped := fmt.Errorf("pipeline create: %w", original)

		var target *ojerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "phase" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "phase")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &ojerrors.NotFoundError{Resource: "pipeline", ID: "test"}
		wrapped := fmt.Errorf("looking up pipeline: %w", original)

		var target *ojerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "pipeline" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "pipeline")
		}
	})

	t.Run("AdapterError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("process exited")
		adapterErr := &ojerrors.AdapterError{Adapter: "session", Op: "send", Cause: rootCause}
		wrapped := fmt.Errorf("executing effect: %w", adapterErr)

		var target *ojerrors.AdapterError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find AdapterError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("AdapterError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &ojerrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)
		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &ojerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)
		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
