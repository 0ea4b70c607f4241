package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/JeanGrijp/quota-limiter/internal/adapters/http/middleware"
	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
	"github.com/JeanGrijp/quota-limiter/internal/logger"
)

type usageResponse struct {
	Count     int64   `json:"count"`
	Remaining float64 `json:"remaining"`
}

// ReportHandler expõe o uso atual dos contadores.
type ReportHandler struct {
	reporter ports.Reporter
	logger   *zap.Logger
}

func NewReportHandler(reporter ports.Reporter, lg *zap.Logger) *ReportHandler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &ReportHandler{reporter: reporter, logger: lg}
}

// UserReport responde com os contadores do usuário da requisição.
func (h *ReportHandler) UserReport(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == "" {
		user = middleware.AnonymousUser
	}

	report, err := h.reporter.UserReport(r.Context(), user)
	if err != nil {
		logger.WithContext(r.Context(), h.logger).Error("failed to build user report", zap.String("user", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(report))
}

// AllReport responde com os contadores de todos os usuários.
func (h *ReportHandler) AllReport(w http.ResponseWriter, r *http.Request) {
	all, err := h.reporter.AllReport(r.Context())
	if err != nil {
		logger.WithContext(r.Context(), h.logger).Error("failed to build report", zap.Error(err))
		writeError(w, http.StatusInternalServerError)
		return
	}

	body := make(map[string]map[string]usageResponse, len(all))
	for user, report := range all {
		body[user] = toResponse(report)
	}
	writeJSON(w, http.StatusOK, body)
}

func toResponse(report domain.UsageReport) map[string]usageResponse {
	body := make(map[string]usageResponse, len(report))
	for key, usage := range report {
		body[key] = usageResponse{Count: usage.Count, Remaining: usage.Remaining.Seconds()}
	}
	return body
}
