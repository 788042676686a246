package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"empowerher/internal/core"
	"empowerher/internal/reports"
	"empowerher/internal/types"
)

const (
	defaultReportListLimit = 50
	maxReportListLimit     = 200
	maxReportExportLimit   = 1000
)

// ReportService is the subset of reports.Service the handler drives.
type ReportService interface {
	Submit(ctx context.Context, actor types.Actor, in reports.SubmitInput) (*types.Report, error)
	Mine(ctx context.Context, userID string, limit int) ([]types.Report, error)
	Track(ctx context.Context, obNumber string) (*types.Report, error)
}

// SubmitReportRequest is the body of POST /v1/reports.
type SubmitReportRequest struct {
	IncidentType     string        `json:"incidentType" validate:"required,max=100"`
	Urgency          types.Urgency `json:"urgency" validate:"required,urgency"`
	FirstName        string        `json:"firstName" validate:"max=100"`
	LastName         string        `json:"lastName" validate:"max=100"`
	Email            string        `json:"email" validate:"omitempty,email,max=254"`
	Phone            string        `json:"phone" validate:"max=20"`
	IncidentDate     string        `json:"incidentDate" validate:"required,datetime=2006-01-02"`
	IncidentTime     string        `json:"incidentTime" validate:"omitempty,datetime=15:04"`
	Location         string        `json:"location" validate:"required,max=500"`
	Description      string        `json:"description" validate:"required,max=10000"`
	ConsentToContact bool          `json:"consentToContact"`
	ConsentToShare   bool          `json:"consentToShare"`
}

// ReportStatusView is the public tracking view. It carries no personal or
// incident detail so an OB number alone reveals nothing sensitive.
type ReportStatusView struct {
	OBNumber    string             `json:"obNumber"`
	Status      types.ReportStatus `json:"status"`
	Urgency     types.Urgency      `json:"urgency"`
	SubmittedAt time.Time          `json:"submittedAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// ReportExport is the premium export of a user's reports.
type ReportExport struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Count       int            `json:"count"`
	Reports     []types.Report `json:"reports"`
}

// ReportHandler serves the /v1/reports endpoints.
type ReportHandler struct {
	service   ReportService
	guards    RouteGuards
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(svc ReportService, guards RouteGuards, v *core.Validator, clock types.Clock, l *slog.Logger) *ReportHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReportHandler{
		service:   svc,
		guards:    guards,
		validator: v,
		clock:     clock,
		logger:    l,
	}
}

// RegisterRoutes mounts the report endpoints. Tracking is public.
func (h *ReportHandler) RegisterRoutes(r chi.Router) {
	r.Route("/reports", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/mine", h.ListMine)
		r.Get("/track/{obNumber}", h.Track)
		r.With(h.guards.premium()).Get("/export", h.Export)
	})
}

// Submit handles POST /v1/reports. The admission gate runs inside the
// service; a denial surfaces as 403 limit_reports_exceeded with the usage
// details the client needs to offer an upgrade.
func (h *ReportHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SubmitReportRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.service.Submit(r.Context(), actor, reports.SubmitInput{
		IncidentType: req.IncidentType,
		Urgency:      req.Urgency,
		Payload: types.ReportPayload{
			FirstName:        req.FirstName,
			LastName:         req.LastName,
			Email:            req.Email,
			Phone:            req.Phone,
			IncidentDate:     req.IncidentDate,
			IncidentTime:     req.IncidentTime,
			Location:         req.Location,
			Description:      req.Description,
			ConsentToContact: req.ConsentToContact,
			ConsentToShare:   req.ConsentToShare,
		},
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusCreated, report)
}

// ListMine handles GET /v1/reports/mine.
func (h *ReportHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	limit := defaultReportListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxReportListLimit {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidBody,
				"limit must be a number between 1 and "+strconv.Itoa(maxReportListLimit),
				nil,
			))
			return
		}
		limit = n
	}

	list, err := h.service.Mine(r.Context(), actor.UserID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if list == nil {
		list = []types.Report{}
	}
	core.Success(w, r, http.StatusOK, list)
}

// Track handles GET /v1/reports/track/{obNumber}.
func (h *ReportHandler) Track(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Track(r.Context(), chi.URLParam(r, "obNumber"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, ReportStatusView{
		OBNumber:    report.OBNumber,
		Status:      report.Status,
		Urgency:     report.Urgency,
		SubmittedAt: report.SubmittedAt,
		UpdatedAt:   report.UpdatedAt,
	})
}

// Export handles GET /v1/reports/export. Premium only.
func (h *ReportHandler) Export(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	list, err := h.service.Mine(r.Context(), actor.UserID, maxReportExportLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if list == nil {
		list = []types.Report{}
	}

	now := h.clock.Now()
	w.Header().Set("Content-Disposition",
		`attachment; filename="reports-`+now.Format("20060102")+`.json"`)
	core.Success(w, r, http.StatusOK, ReportExport{
		GeneratedAt: now,
		Count:       len(list),
		Reports:     list,
	})
}
