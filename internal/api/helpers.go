package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/traderhub/backend/internal/domain"
	"github.com/traderhub/backend/pkg/response"
	"go.uber.org/zap"
)

const maxJSONBody = 1 << 20

// decodeJSON reads a size-limited JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			response.TooLarge(w, "request body too large")
		case errors.Is(err, io.EOF):
			response.BadRequest(w, "request body is required")
		default:
			response.BadRequest(w, "invalid request")
		}
		return false
	}
	return true
}

// pagination turns ?page=&limit= into limit/offset; zero limit lets the
// service apply its default.
func pagination(r *http.Request, maxLimit int) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 0 {
		limit = 0
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, (page - 1) * limit
}

// writeServiceError maps domain errors onto the response envelope
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, message string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrChatNotFound):
		response.NotFound(w, "chat not found")
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "not found")
	case errors.Is(err, domain.ErrNotParticipant):
		response.Forbidden(w, "not a participant of this chat")
	case errors.Is(err, domain.ErrProviderUnavailable):
		response.ServiceUnavailable(w, err.Error())
	default:
		logger.Error(message, zap.Error(err))
		response.InternalError(w, message)
	}
}

// SendResult is the body returned by every send endpoint
type SendResult struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
	InvalidCount int `json:"invalidCount"`
	Batches      int `json:"batches,omitempty"`
}

func newSendResult(r domain.DispatchResult) SendResult {
	return SendResult{
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		InvalidCount: r.InvalidCount(),
		Batches:      r.Batches,
	}
}
