package classify

import "fmt"

// RequestError represents scanner API failures including 5xx responses,
// connection timeouts, and rate limiting.
type RequestError struct {
	Operation  string // The operation that failed (e.g., "submit_scan", "start_deep_scan")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scanner error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("scanner error during %s: %s", e.Operation, e.APIMessage)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// InvalidVerdictError represents a scanner response carrying a verdict
// outside the documented set.
type InvalidVerdictError struct {
	Raw string // The verdict string as received
	Err error  // Underlying error, if any
}

func (e *InvalidVerdictError) Error() string {
	return fmt.Sprintf("invalid scanner verdict %q", e.Raw)
}

func (e *InvalidVerdictError) Unwrap() error {
	return e.Err
}
