package request

import (
	"errors"
	"fmt"
)

// ErrAborted is the rejection of a request that was cancelled or timed out.
var ErrAborted = errors.New("request aborted")

// TransportError is the rejection of a request that got a non-2xx response.
type TransportError struct {
	Method   string
	URL      string
	Response *Response
}

func (e *TransportError) Error() string {
	if e.Response == nil {
		return fmt.Sprintf("%s %s: no response", e.Method, e.URL)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Response.Status, e.Response.StatusText)
}

// StatusCode returns the HTTP status of the failed response, 0 if unknown.
func (e *TransportError) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.Status
}
