package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/queue"
)

var validate = validator.New()

// StartRequest asks for a new generation job.
type StartRequest struct {
	OwnerRef          string          `json:"ownerRef" validate:"required,max=128"`
	SubjectRef        string          `json:"subjectRef" validate:"required,max=128"`
	StyleID           string          `json:"styleId" validate:"required,max=64"`
	TotalUnits        int             `json:"totalUnits" validate:"gte=1,lte=200"`
	ReferenceInputs   json.RawMessage `json:"referenceInputs,omitempty"`
	ExplicitUnitTexts []string        `json:"explicitUnitTexts,omitempty" validate:"omitempty,dive,max=2000"`
}

// Trigger creates pending jobs and publishes their first chunk.
type Trigger struct {
	jobs      domain.TriggerJobRepository
	publisher queue.Publisher
	chunkSize int
	logger    *infra.Logger
	newID     func() string
}

// NewTrigger builds a Trigger publishing chunks of chunkSize units.
func NewTrigger(jobs domain.TriggerJobRepository, publisher queue.Publisher, chunkSize int, logger *infra.Logger) *Trigger {
	if chunkSize <= 0 {
		chunkSize = 3
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Trigger{jobs: jobs, publisher: publisher, chunkSize: chunkSize, logger: logger, newID: uuid.NewString}
}

// Start persists the job and enqueues startIndex 0. If the publish fails the
// job stays pending and the error is returned.
func (t *Trigger) Start(ctx context.Context, req StartRequest) (*domain.Job, error) {
	req.OwnerRef = strings.TrimSpace(req.OwnerRef)
	req.SubjectRef = strings.TrimSpace(req.SubjectRef)
	req.StyleID = strings.TrimSpace(req.StyleID)
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s failed %s", domain.ErrMalformedPayload, verrs[0].Field(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	job := &domain.Job{
		ID:         t.newID(),
		OwnerRef:   req.OwnerRef,
		SubjectRef: req.SubjectRef,
		StyleID:    req.StyleID,
		TotalUnits: req.TotalUnits,
		Status:     domain.JobStatusPending,
	}
	first := domain.ChunkMessage{
		JobID:             job.ID,
		OwnerRef:          job.OwnerRef,
		SubjectRef:        job.SubjectRef,
		StyleID:           job.StyleID,
		TotalUnits:        job.TotalUnits,
		ReferenceInputs:   req.ReferenceInputs,
		StartIndex:        0,
		ChunkSize:         t.chunkSize,
		ExplicitUnitTexts: req.ExplicitUnitTexts,
	}
	if err := first.Validate(); err != nil {
		return nil, err
	}
	body, err := first.Marshal()
	if err != nil {
		return nil, err
	}

	if err := t.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: create job: %v", domain.ErrTransientInfrastructure, err)
	}
	receipt, err := t.publisher.Publish(ctx, queue.Message{Body: body, DeduplicationID: job.ID + ":0"})
	if err != nil {
		return job, fmt.Errorf("%w: publish first chunk: %v", domain.ErrTransientInfrastructure, err)
	}
	t.logger.Info().
		Str("job_id", job.ID).
		Int("total_units", job.TotalUnits).
		Int("chunk_size", t.chunkSize).
		Str("message_id", receipt.MessageID).
		Msg("trigger: job started")
	return job, nil
}
