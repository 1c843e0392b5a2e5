package classify

import (
	"errors"
	"fmt"
	"testing"
)

func TestRequestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *RequestError
		want string
	}{
		{
			name: "with HTTP status code",
			err: &RequestError{
				Operation:  "submit_scan",
				StatusCode: 503,
				APIMessage: "scan backend overloaded",
			},
			want: "scanner error during submit_scan (HTTP 503): scan backend overloaded",
		},
		{
			name: "without HTTP status code",
			err: &RequestError{
				Operation:  "submit_scan",
				APIMessage: "connection timeout",
			},
			want: "scanner error during submit_scan: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := &RequestError{Operation: "submit_scan", APIMessage: inner.Error(), Err: inner}

	if !errors.Is(err, inner) {
		t.Errorf("errors.Is should reach the wrapped error")
	}
}

func TestInvalidVerdictError_Error(t *testing.T) {
	err := &InvalidVerdictError{Raw: "sparkling"}

	want := `invalid scanner verdict "sparkling"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
