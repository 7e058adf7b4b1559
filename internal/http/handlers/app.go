package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/queue"
)

// ChunkDispatcher handles one queue delivery.
type ChunkDispatcher interface {
	Handle(ctx context.Context, delivery queue.Delivery) dispatch.Result
}

// JobStarter creates jobs and enqueues their first chunk.
type JobStarter interface {
	Start(ctx context.Context, req dispatch.StartRequest) (*domain.Job, error)
}

// JobReader loads jobs for the status endpoint.
type JobReader interface {
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// LedgerSummarizer aggregates per-unit ledger rows of a job.
type LedgerSummarizer interface {
	Summarize(ctx context.Context, jobID string) (domain.LedgerSummary, error)
}

// Pinger checks a backing store.
type Pinger func(ctx context.Context) error

// App holds the collaborators the HTTP handlers need.
type App struct {
	Dispatcher ChunkDispatcher
	Trigger    JobStarter
	Jobs       JobReader
	Ledger     LedgerSummarizer
	Ping       Pinger
	Logger     *infra.Logger
}

// NewApp wires handlers. A nil logger discards output.
func NewApp(d ChunkDispatcher, t JobStarter, jobs JobReader, ledger LedgerSummarizer, ping Pinger, logger *infra.Logger) *App {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &App{Dispatcher: d, Trigger: t, Jobs: jobs, Ledger: ledger, Ping: ping, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
