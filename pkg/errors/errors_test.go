package errors

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrInvalidInput,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "invalid_input: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrExecutionError,
				Message: "test message",
				Cause:   nil,
			},
			want: "execution_error: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{
		Type:    ErrInternalError,
		Message: "test message",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("Error.Unwrap() = %v, want %v", got, cause)
	}

	errNoCause := &Error{
		Type:    ErrInternalError,
		Message: "test message",
		Cause:   nil,
	}

	if got := errNoCause.Unwrap(); got != nil {
		t.Errorf("Error.Unwrap() = %v, want nil", got)
	}
}

func TestNewError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewError(ErrInvalidInput, "test message", cause)

	if err.Type != ErrInvalidInput {
		t.Errorf("NewError().Type = %v, want %v", err.Type, ErrInvalidInput)
	}
	if err.Message != "test message" {
		t.Errorf("NewError().Message = %v, want %v", err.Message, "test message")
	}
	if err.Cause != cause {
		t.Errorf("NewError().Cause = %v, want %v", err.Cause, cause)
	}
}

func TestNewErrorConstructors(t *testing.T) {
	cause := errors.New("cause")

	tests := []struct {
		name        string
		constructor func(string, error) *Error
		wantType    Kind
	}{
		{"NewInvalidInputError", NewInvalidInputError, ErrInvalidInput},
		{"NewInvalidRequestFormatError", NewInvalidRequestFormatError, ErrInvalidRequestFormat},
		{"NewMissingRequiredFieldError", NewMissingRequiredFieldError, ErrMissingRequiredField},
		{"NewInvalidParameterTypeError", NewInvalidParameterTypeError, ErrInvalidParameterType},
		{"NewInvalidURLFormatError", NewInvalidURLFormatError, ErrInvalidURLFormat},
		{"NewNoResultsFoundError", NewNoResultsFoundError, ErrNoResultsFound},
		{"NewResourceNotInitializedError", NewResourceNotInitializedError, ErrResourceNotInitialized},
		{"NewBusinessFailureError", NewBusinessFailureError, ErrBusinessFailure},
		{"NewExecutionError", NewExecutionError, ErrExecutionError},
		{"NewAPIKeyNotConfiguredError", NewAPIKeyNotConfiguredError, ErrAPIKeyNotConfigured},
		{"NewAPIRequestFailedError", NewAPIRequestFailedError, ErrAPIRequestFailed},
		{"NewAPIResponseParseError", NewAPIResponseParseError, ErrAPIResponseParseError},
		{"NewUnexpectedError", NewUnexpectedError, ErrUnexpectedError},
		{"NewTimeoutError", NewTimeoutError, ErrTimeoutError},
		{"NewCrawlingError", NewCrawlingError, ErrCrawlingError},
		{"NewSummarizationError", NewSummarizationError, ErrSummarizationError},
		{"NewAllRequestsFailedError", NewAllRequestsFailedError, ErrAllRequestsFailed},
		{"NewPartialFailureError", NewPartialFailureError, ErrPartialFailure},
		{"NewBackendNotInitializedError", NewBackendNotInitializedError, ErrBackendNotInitialized},
		{"NewDependencyFailureError", NewDependencyFailureError, ErrDependencyFailure},
		{"NewInternalErrorError", NewInternalErrorError, ErrInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", cause)
			if err.Type != tt.wantType {
				t.Errorf("%s().Type = %v, want %v", tt.name, err.Type, tt.wantType)
			}
			if err.Message != "test message" {
				t.Errorf("%s().Message = %v, want %v", tt.name, err.Message, "test message")
			}
			if err.Cause != cause {
				t.Errorf("%s().Cause = %v, want %v", tt.name, err.Cause, cause)
			}
		})
	}
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
		want    bool
	}{
		{
			name:    "IsInvalidInput with matching error",
			err:     NewInvalidInputError("test", nil),
			checker: IsInvalidInput,
			want:    true,
		},
		{
			name:    "IsInvalidInput with non-matching error",
			err:     NewExecutionError("test", nil),
			checker: IsInvalidInput,
			want:    false,
		},
		{
			name:    "IsInvalidInput with non-Error type",
			err:     errors.New("regular error"),
			checker: IsInvalidInput,
			want:    false,
		},
		{
			name:    "IsExecutionError with matching error",
			err:     NewExecutionError("test", nil),
			checker: IsExecutionError,
			want:    true,
		},
		{
			name:    "IsNoResultsFound with matching error",
			err:     NewNoResultsFoundError("test", nil),
			checker: IsNoResultsFound,
			want:    true,
		},
		{
			name:    "IsResourceNotInitialized with matching error",
			err:     NewResourceNotInitializedError("test", nil),
			checker: IsResourceNotInitialized,
			want:    true,
		},
		{
			name:    "IsBackendNotInitialized with matching error",
			err:     NewBackendNotInitializedError("test", nil),
			checker: IsBackendNotInitialized,
			want:    true,
		},
		{
			name:    "IsDependencyFailure with matching error",
			err:     NewDependencyFailureError("test", nil),
			checker: IsDependencyFailure,
			want:    true,
		},
		{
			name:    "IsTimeoutError with matching error",
			err:     NewTimeoutError("test", nil),
			checker: IsTimeoutError,
			want:    true,
		},
		{
			name:    "IsInternalError with matching error",
			err:     NewInternalErrorError("test", nil),
			checker: IsInternalError,
			want:    true,
		},
		{
			name:    "IsInternalError with nil error",
			err:     nil,
			checker: IsInternalError,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.checker(tt.err)
			if got != tt.want {
				t.Errorf("%s() = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{ErrInvalidInput, 4000},
		{ErrBusinessFailure, 4001},
		{ErrMissingRequiredField, 4003},
		{ErrResourceNotInitialized, 4007},
		{ErrExecutionError, 5000},
		{ErrTimeoutError, 5006},
		{ErrInternalError, 5013},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := Code(tt.kind); got != tt.want {
				t.Errorf("Code(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{ErrInvalidInput, 400},
		{ErrNoResultsFound, 404},
		{ErrResourceNotInitialized, 404},
		{ErrTimeoutError, 504},
		{ErrInternalError, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}
