package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/domain"
	"avatarbatch/internal/queue"
)

type stubDispatcher struct {
	got queue.Delivery
	res dispatch.Result
}

func (s *stubDispatcher) Handle(_ context.Context, d queue.Delivery) dispatch.Result {
	s.got = d
	return s.res
}

type stubStarter struct {
	got dispatch.StartRequest
	job *domain.Job
	err error
}

func (s *stubStarter) Start(_ context.Context, req dispatch.StartRequest) (*domain.Job, error) {
	s.got = req
	return s.job, s.err
}

type stubJobs map[string]*domain.Job

func (s stubJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	if j, ok := s[id]; ok {
		return j, nil
	}
	return nil, domain.ErrNotFound
}

type stubLedger struct {
	sum domain.LedgerSummary
	err error
}

func (s stubLedger) Summarize(context.Context, string) (domain.LedgerSummary, error) {
	return s.sum, s.err
}

func TestDispatchChunkStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		res         dispatch.Result
		wantCode    int
		wantNoRetry bool
		wantOutcome string
	}{
		{name: "processed", res: dispatch.Result{Outcome: dispatch.Processed, Window: domain.Window{Start: 0, End: 3}, Created: 3, Continued: true}, wantCode: http.StatusOK, wantOutcome: "processed"},
		{name: "skipped", res: dispatch.Result{Outcome: dispatch.Skipped, Reason: "job already claimed"}, wantCode: http.StatusOK, wantOutcome: "skipped"},
		{name: "retry", res: dispatch.Result{Outcome: dispatch.Retry, Err: domain.ErrTransientInfrastructure}, wantCode: http.StatusServiceUnavailable, wantOutcome: "retry"},
		{name: "bad signature", res: dispatch.Result{Outcome: dispatch.Rejected, Err: domain.ErrAuthentication}, wantCode: http.StatusUnauthorized, wantNoRetry: true, wantOutcome: "rejected"},
		{name: "unknown job", res: dispatch.Result{Outcome: dispatch.Rejected, Err: domain.ErrJobNotFound}, wantCode: http.StatusNotFound, wantNoRetry: true, wantOutcome: "rejected"},
		{name: "malformed", res: dispatch.Result{Outcome: dispatch.Rejected, Err: domain.ErrMalformedPayload}, wantCode: http.StatusBadRequest, wantNoRetry: true, wantOutcome: "rejected"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &stubDispatcher{res: tc.res}
			app := NewApp(d, nil, nil, nil, nil, nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/dispatch/chunks", strings.NewReader(`{"jobId":"j1"}`))
			req.Header.Set(queue.HeaderSignature, "sig")
			req.Header.Set(queue.HeaderMessageID, "msg_1")
			req.Header.Set(queue.HeaderRetried, "2")
			rec := httptest.NewRecorder()
			app.DispatchChunk(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if got := rec.Header().Get(queue.HeaderNonRetryable) == "true"; got != tc.wantNoRetry {
				t.Fatalf("non-retryable header = %v, want %v", got, tc.wantNoRetry)
			}
			var body chunkResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Outcome != tc.wantOutcome {
				t.Fatalf("outcome = %q, want %q", body.Outcome, tc.wantOutcome)
			}
			if d.got.Signature != "sig" || d.got.MessageID != "msg_1" || d.got.Attempt != 2 {
				t.Fatalf("delivery = %+v", d.got)
			}
			if string(d.got.Body) != `{"jobId":"j1"}` {
				t.Fatalf("body = %q", d.got.Body)
			}
		})
	}
}

func TestDispatchChunkRejectsOversizedBody(t *testing.T) {
	d := &stubDispatcher{}
	app := NewApp(d, nil, nil, nil, nil, nil)
	big := strings.Repeat("x", maxChunkBody+1)
	rec := httptest.NewRecorder()
	app.DispatchChunk(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatch/chunks", strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.got.Body != nil {
		t.Fatal("dispatcher should not be called")
	}
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		job      *domain.Job
		err      error
		wantCode int
	}{
		{name: "accepted", body: `{"subjectRef":"s1","styleId":"studio","totalUnits":4}`, job: &domain.Job{ID: "job-1", Status: domain.JobStatusPending, TotalUnits: 4}, wantCode: http.StatusAccepted},
		{name: "invalid json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"bogus":1}`, wantCode: http.StatusBadRequest},
		{name: "validation", body: `{"totalUnits":0}`, err: fmt.Errorf("%w: TotalUnits failed gte", domain.ErrMalformedPayload), wantCode: http.StatusBadRequest},
		{name: "store down", body: `{"subjectRef":"s1","styleId":"studio","totalUnits":4}`, err: fmt.Errorf("%w: create job", domain.ErrTransientInfrastructure), wantCode: http.StatusServiceUnavailable},
		{name: "publish failed", body: `{"subjectRef":"s1","styleId":"studio","totalUnits":4}`, job: &domain.Job{ID: "job-2"}, err: fmt.Errorf("%w: publish", domain.ErrTransientInfrastructure), wantCode: http.StatusServiceUnavailable},
		{name: "unexpected", body: `{"subjectRef":"s1","styleId":"studio","totalUnits":4}`, err: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			starter := &stubStarter{job: tc.job, err: tc.err}
			app := NewApp(nil, starter, nil, nil, nil, nil)
			rec := httptest.NewRecorder()
			app.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tc.body)))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestCreateJobReportsUnenqueuedJobID(t *testing.T) {
	starter := &stubStarter{job: &domain.Job{ID: "job-2"}, err: fmt.Errorf("%w: publish", domain.ErrTransientInfrastructure)}
	app := NewApp(nil, starter, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	app.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"totalUnits":1}`)))
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "job-2" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
}

func TestGetJob(t *testing.T) {
	msg := "generation failed: 1 of 4 images completed"
	jobs := stubJobs{
		"job-1": {ID: "job-1", Status: domain.JobStatusFailed, StyleID: "studio", TotalUnits: 4, CompletedUnits: 1, ErrorMessage: &msg},
	}
	app := NewApp(nil, nil, jobs, stubLedger{sum: domain.LedgerSummary{Total: 4, Completed: 1, Failed: 3}}, nil, nil)

	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", app.GetJob)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "failed" || body.Progress != 0.25 {
		t.Fatalf("body = %+v", body)
	}
	if body.ErrorMessage == nil || *body.ErrorMessage != msg {
		t.Fatalf("errorMessage = %v", body.ErrorMessage)
	}
	if body.Units == nil || body.Units.Failed != 3 || body.Units.Recorded != 4 {
		t.Fatalf("units = %+v", body.Units)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestGetJobWithoutLedgerSummary(t *testing.T) {
	jobs := stubJobs{"job-1": {ID: "job-1", Status: domain.JobStatusProcessing, TotalUnits: 2}}
	app := NewApp(nil, nil, jobs, stubLedger{err: errors.New("db down")}, nil, nil)
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", app.GetJob)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"units"`) {
		t.Fatalf("unexpected units in %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ok := NewApp(nil, nil, nil, nil, func(context.Context) error { return nil }, nil)
	rec := httptest.NewRecorder()
	ok.Health(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	down := NewApp(nil, nil, nil, nil, func(context.Context) error { return errors.New("refused") }, nil)
	rec = httptest.NewRecorder()
	down.Health(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
