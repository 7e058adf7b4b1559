package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/domain"
	"avatarbatch/internal/middleware"
)

const maxJobBody = 256 << 10

type jobResponse struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	StyleID        string         `json:"styleId"`
	TotalUnits     int            `json:"totalUnits"`
	CompletedUnits int            `json:"completedUnits"`
	Progress       float64        `json:"progress"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	Units          *unitsResponse `json:"units,omitempty"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time     `json:"updatedAt,omitempty"`
}

type unitsResponse struct {
	Recorded  int `json:"recorded"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:             job.ID,
		Status:         string(job.Status),
		StyleID:        job.StyleID,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		Progress:       job.Progress(),
		ErrorMessage:   job.ErrorMessage,
	}
	if !job.CreatedAt.IsZero() {
		t := job.CreatedAt
		resp.CreatedAt = &t
	}
	if !job.UpdatedAt.IsZero() {
		t := job.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// CreateJob starts a batch. The owner defaults to the token subject.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.OwnerRef) == "" {
		req.OwnerRef = middleware.SubjectFromContext(r.Context())
	}

	job, err := a.Trigger.Start(r.Context(), req)
	switch {
	case err == nil:
		a.json(w, http.StatusAccepted, toJobResponse(job))
	case errors.Is(err, domain.ErrMalformedPayload):
		a.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTransientInfrastructure):
		a.Logger.Error().Err(err).Msg("jobs: start failed")
		if job != nil {
			w.Header().Set("Retry-After", "5")
			a.json(w, http.StatusServiceUnavailable, map[string]string{
				"error": "job created but not enqueued",
				"id":    job.ID,
			})
			return
		}
		w.Header().Set("Retry-After", "5")
		a.error(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		a.Logger.Error().Err(err).Msg("jobs: start failed")
		a.error(w, http.StatusInternalServerError, "internal error")
	}
}

// GetJob reports status and progress of one job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrJobNotFound) {
			a.error(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", id).Msg("jobs: load failed")
		a.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := toJobResponse(job)
	if a.Ledger != nil {
		sum, err := a.Ledger.Summarize(r.Context(), id)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", id).Msg("jobs: ledger summary unavailable")
		} else {
			resp.Units = &unitsResponse{
				Recorded:  sum.Total,
				Pending:   sum.Pending,
				Completed: sum.Completed,
				Failed:    sum.Failed,
			}
		}
	}
	a.json(w, http.StatusOK, resp)
}
