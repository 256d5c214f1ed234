package gcm

import "fmt"

// EndpointError reports a non-success answer from the provider endpoint.
// RetryAfter is set when the response carried a Retry-After header,
// whatever its status code.
type EndpointError struct {
	Status     int
	Body       string
	RetryAfter bool
}

func (e *EndpointError) Error() string {
	if e.RetryAfter {
		return fmt.Sprintf("gcm: endpoint asked to retry later (status %d)", e.Status)
	}
	return fmt.Sprintf("gcm: endpoint returned status %d", e.Status)
}
