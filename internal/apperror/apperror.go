package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError is returned at startup when the service cannot run
// with the supplied configuration. It is always fatal.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NetworkError wraps a failed request to SEC EDGAR. StatusCode is zero for
// transport failures.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// CompanyNotFoundError means a ticker or CIK could not be resolved to an
// EDGAR filer.
type CompanyNotFoundError struct {
	Identifier string
}

func (e *CompanyNotFoundError) Error() string {
	return fmt.Sprintf("company not found: %s", e.Identifier)
}

func NewNetworkError(url string, statusCode int, err error) *NetworkError {
	return &NetworkError{URL: url, StatusCode: statusCode, Err: err}
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsCompanyNotFound(err error) bool {
	var target *CompanyNotFoundError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// HTTPStatus maps an error to the status code the trigger API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsCompanyNotFound(err):
		return http.StatusNotFound
	case IsNetwork(err):
		return http.StatusBadGateway
	case IsConfiguration(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
