package nai

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedFormat is returned for payloads that are neither a URL nor
// known base64 image data
var ErrUnrecognizedFormat = errors.New("unrecognized image payload")

// HTTPError is a non-200 answer from the endpoint
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// APIError is a JSON answer without image data
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
