package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jetci/EMS-sub006/internal/models"
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter string `json:"retry_after,omitempty"`
}

func errorBody(code, message string, retryAfter time.Duration) errorResponse {
	d := errorDetail{Code: code, Message: message}
	if retryAfter > 0 {
		d.RetryAfter = retryAfter.Round(time.Millisecond).String()
	}
	return errorResponse{Error: d}
}

// writeError maps the domain taxonomy onto HTTP. Every rejection keeps
// its machine-readable code so clients branch on code, not status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var coded models.CodedError
	if !errors.As(err, &coded) {
		s.logger.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", "internal error", 0))
		return
	}

	status := http.StatusConflict
	var retryAfter time.Duration

	switch e := coded.(type) {
	case *models.InvalidScheduleError:
		status = http.StatusBadRequest
	case *models.NotPermittedError:
		status = http.StatusForbidden
	case *models.InvalidTransitionError, *models.RideNotAssignableError, *models.DriverUnavailableError:
		status = http.StatusConflict
	case *models.RateLimitedError:
		status = http.StatusTooManyRequests
		retryAfter = e.RetryAfter
	case *models.ConcurrencyConflictError:
		status = http.StatusServiceUnavailable
		retryAfter = time.Second
	}

	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	writeJSON(w, status, errorBody(coded.Code(), coded.Error(), retryAfter))
}
