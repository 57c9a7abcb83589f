package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. Domain tool
// endpoints that start failing stop receiving traffic until they recover.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     NewCircuitBreaker(name, DefaultConfig(), logger),
		logger: logger,
	}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses are
// treated as failures for breaker purposes; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	// A 5xx already produced a valid response; hand it to the caller and let
	// the breaker accounting stand on its own.
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// IsCircuitBreakerOpen reports whether requests are currently rejected.
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.IsOpen()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
