package graph

import (
	"errors"
	"fmt"
	"net/http"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
)

var (
	// ErrNotFound matches API errors for items that no longer exist, such as
	// a message deleted or moved between listing and download.
	ErrNotFound = errors.New("graph: item not found")
	// ErrUnauthorized matches 401 and 403 responses.
	ErrUnauthorized = errors.New("graph: unauthorized")
	// ErrPageConsumed is returned when a page is advanced more than once.
	ErrPageConsumed = errors.New("graph: page already advanced")

	errEmptyResponse = errors.New("empty response body")
)

// APIError is a non-2xx response from Microsoft Graph.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph: %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("graph: %s: HTTP %d %s: %s", e.URL, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TransportError is a network failure talking to Microsoft Graph.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("graph %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// asAPIError extracts the HTTP status and OData error body of a failed
// request, or returns nil if err carries no response.
func asAPIError(err error, rawURL string) *APIError {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		apiErr := &APIError{StatusCode: odataErr.ResponseStatusCode, URL: rawURL}
		if main := odataErr.GetErrorEscaped(); main != nil {
			apiErr.Code = deref(main.GetCode())
			apiErr.Message = deref(main.GetMessage())
		}
		return apiErr
	}

	// Error responses without a body never reach the OData decoder.
	var bare *abstractions.ApiError
	if errors.As(err, &bare) && bare.ResponseStatusCode >= http.StatusBadRequest {
		return &APIError{StatusCode: bare.ResponseStatusCode, URL: rawURL}
	}
	return nil
}
