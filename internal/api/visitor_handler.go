package api

import (
	"errors"
	"net/http"

	"github.com/traderhub/backend/internal/domain"
	"github.com/traderhub/backend/internal/middleware"
	"github.com/traderhub/backend/pkg/response"
	"github.com/traderhub/backend/pkg/validator"
	"go.uber.org/zap"
)

// VisitorHandler receives "user arrived on a trader page" events
type VisitorHandler struct {
	service *domain.VisitorService
	logger  *zap.Logger
}

func NewVisitorHandler(service *domain.VisitorService, logger *zap.Logger) *VisitorHandler {
	return &VisitorHandler{
		service: service,
		logger:  logger,
	}
}

type visitResponse struct {
	Outcome domain.VisitorOutcome `json:"outcome"`
}

// RecordVisit is called by the trader page after the visitor signs in; the
// caller is the visitor.
func (h *VisitorHandler) RecordVisit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		TraderID    string `json:"traderId"`
		VisitorName string `json:"visitorName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validator.ValidationErrors
	traderID := errs.UUID("traderId", req.TraderID)
	if errs.HasErrors() {
		response.ValidationFailed(w, errs)
		return
	}

	name := req.VisitorName
	if name == "" {
		name, _ = middleware.GetName(r.Context())
	}

	h.handle(w, r, domain.VisitorEvent{
		TraderID:    traderID,
		UserID:      userID,
		VisitorName: validator.SanitizeString(name, 100),
	})
}

// RecordInternalVisit accepts the same event from the auth service
func (h *VisitorHandler) RecordInternalVisit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraderID    string `json:"traderId"`
		UserID      string `json:"userId"`
		VisitorName string `json:"visitorName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validator.ValidationErrors
	traderID := errs.UUID("traderId", req.TraderID)
	userID := errs.UUID("userId", req.UserID)
	if errs.HasErrors() {
		response.ValidationFailed(w, errs)
		return
	}

	h.handle(w, r, domain.VisitorEvent{
		TraderID:    traderID,
		UserID:      userID,
		VisitorName: validator.SanitizeString(req.VisitorName, 100),
	})
}

// handle reports delivery and store problems as a "failed" outcome; only
// bad input is rejected.
func (h *VisitorHandler) handle(w http.ResponseWriter, r *http.Request, event domain.VisitorEvent) {
	outcome, err := h.service.HandleVisitorLogin(r.Context(), event)
	if errors.Is(err, domain.ErrValidation) {
		response.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("visitor alert failed",
			zap.String("trader_id", event.TraderID.String()),
			zap.Error(err),
		)
	}

	response.OK(w, visitResponse{Outcome: outcome})
}
