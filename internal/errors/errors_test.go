package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeNotFound,
				Message: "job not found",
			},
			want: "job not found",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeInternal,
				Message: "failed to submit",
				Cause:   errors.New("underlying error"),
			},
			want: "failed to submit: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &AppError{
		Code:    ErrCodeInternal,
		Message: "wrapped error",
		Cause:   cause,
	}

	if unwrapped := err.Unwrap(); !errors.Is(unwrapped, cause) {
		t.Errorf("AppError.Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		wantCode ErrorCode
		wantMsg  string
	}{
		{"NotFound", NotFound("job not found"), ErrCodeNotFound, "job not found"},
		{"NotFoundf", NotFoundf("job %s not found", "abc"), ErrCodeNotFound, "job abc not found"},
		{"Conflict", Conflict("job already exists"), ErrCodeConflict, "job already exists"},
		{"Conflictf", Conflictf("key %s taken", "k1"), ErrCodeConflict, "key k1 taken"},
		{"Validation", Validation("invalid input"), ErrCodeValidation, "invalid input"},
		{"Validationf", Validationf("bad %s", "payload"), ErrCodeValidation, "bad payload"},
		{"Unauthorized", Unauthorized("missing identity"), ErrCodeUnauthorized, "missing identity"},
		{"NotReady", NotReady("result not ready"), ErrCodeNotReady, "result not ready"},
		{"NotReadyf", NotReadyf("job %s not ready", "abc"), ErrCodeNotReady, "job abc not ready"},
		{"Expired", Expired("reference expired"), ErrCodeExpired, "reference expired"},
		{"Expiredf", Expiredf("ref %s expired", "r1"), ErrCodeExpired, "ref r1 expired"},
		{"Internal", Internal("internal error"), ErrCodeInternal, "internal error"},
		{"Internalf", Internalf("boom %d", 1), ErrCodeInternal, "boom 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("%s().Code = %v, want %v", tt.name, tt.err.Code, tt.wantCode)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("%s().Message = %v, want %v", tt.name, tt.err.Message, tt.wantMsg)
			}
		})
	}
}

func TestValidationField(t *testing.T) {
	err := ValidationField("idempotency_key", "invalid key format")
	if err.Code != ErrCodeValidation {
		t.Errorf("ValidationField().Code = %v, want %v", err.Code, ErrCodeValidation)
	}
	if err.Field != "idempotency_key" {
		t.Errorf("ValidationField().Field = %v, want %v", err.Field, "idempotency_key")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to reach store")
	if err.Code != ErrCodeInternal {
		t.Errorf("Wrap().Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the cause for errors.Is")
	}

	if got := Wrap(nil, ErrCodeInternal, "ignored"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestWrapf(t *testing.T) {
	cause := errors.New("redis: nil")
	err := Wrapf(cause, ErrCodeExpired, "reference for job %s lapsed", "abc")
	if err.Message != "reference for job abc lapsed" {
		t.Errorf("Wrapf().Message = %v", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Error("Wrapf() should preserve the cause for errors.Is")
	}
	if got := Wrapf(nil, ErrCodeExpired, "ignored"); got != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", got)
	}
}

func TestIsHelpers(t *testing.T) {
	tests := []struct {
		name  string
		check func(error) bool
		err   error
	}{
		{"IsNotFound", IsNotFound, NotFound("x")},
		{"IsConflict", IsConflict, Conflict("x")},
		{"IsValidation", IsValidation, Validation("x")},
		{"IsUnauthorized", IsUnauthorized, Unauthorized("x")},
		{"IsNotReady", IsNotReady, NotReady("x")},
		{"IsExpired", IsExpired, Expired("x")},
		{"IsInternal", IsInternal, Internal("x")},
		{"IsTimeout", IsTimeout, &AppError{Code: ErrCodeTimeout, Message: "x"}},
		{"IsCanceled", IsCanceled, &AppError{Code: ErrCodeCanceled, Message: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%s(matching error) = false, want true", tt.name)
			}
			if tt.check(errors.New("plain")) {
				t.Errorf("%s(plain error) = true, want false", tt.name)
			}
			// Wrapped errors should still match.
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("%s(wrapped error) = false, want true", tt.name)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(NotReady("x")); got != ErrCodeNotReady {
		t.Errorf("GetCode() = %v, want %v", got, ErrCodeNotReady)
	}
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("GetCode(plain) = %v, want empty", got)
	}
}

func TestGetField(t *testing.T) {
	if got := GetField(ValidationField("payload", "bad")); got != "payload" {
		t.Errorf("GetField() = %v, want payload", got)
	}
	if got := GetField(errors.New("plain")); got != "" {
		t.Errorf("GetField(plain) = %v, want empty", got)
	}
}
