package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/storage"
)

type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }

func (e requestError) Unwrap() error { return e.err }

// statusFor maps an engine error onto an HTTP status. Anything the caller
// can fix by changing the request is a 400.
func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr),
		models.IsConfigurationError(err),
		models.IsInvalidWindowError(err),
		ingestion.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrFeaturesNotFound), errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
