package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/infra/credentials"
	"avatarbatch/internal/providers/genapi"
	"avatarbatch/internal/queue"
)

func testConfig(t *testing.T) *infra.Config {
	t.Helper()
	return &infra.Config{
		AppEnv:              "test",
		DatabaseURL:         "sqlite:" + filepath.Join(t.TempDir(), "jobs.db"),
		QueueDriver:         infra.QueueDriverDirect,
		QueueSigningKey:     "current-key",
		QueueNextSigningKey: "next-key",
		QueueIssuer:         "avatarbatch",
		DispatchURL:         "http://127.0.0.1:0/v1/dispatch/chunks",
		BreakerMaxFailures:  3,
		BreakerOpenDuration: time.Second,
		ChunkSize:           3,
		InvocationTimeout:   5 * time.Second,
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := testConfig(t)
	logger := infra.NopLogger()
	store, err := OpenStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	job := &domain.Job{ID: "job-1", OwnerRef: "o", SubjectRef: "s", StyleID: "studio", TotalUnits: 2, Status: domain.JobStatusPending}
	if err := store.Jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := store.Jobs.ClaimPending(ctx, job.ID, "msg_1")
	if err != nil || !ok {
		t.Fatalf("ClaimPending = %v, %v", ok, err)
	}
}

func TestNewProviderFallsBackToSynthetic(t *testing.T) {
	cfg := testConfig(t)
	logger := infra.NopLogger()
	p := NewProvider(context.Background(), cfg, nil, &logger)
	if _, ok := p.(*genapi.BreakerClient); !ok {
		t.Fatalf("provider = %T, want breaker", p)
	}
	id, err := p.CreateTask(context.Background(), genapi.UnitRequest{JobID: "job-1", UnitIndex: 0, Prompt: "p"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	again, _ := p.CreateTask(context.Background(), genapi.UnitRequest{JobID: "job-1", UnitIndex: 0, Prompt: "p"})
	if id == "" || id != again {
		t.Fatalf("synthetic ids = %q, %q", id, again)
	}
}

func TestNewProviderUsesStoredKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"task-1","status":"queued"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ProviderBaseURL = srv.URL
	logger := infra.NopLogger()
	ctx := context.Background()
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	if err := store.Credentials.SetToken(ctx, credentials.ProviderGenAPI, "stored-key", nil); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	p := NewProvider(ctx, cfg, store, &logger)
	id, err := p.CreateTask(ctx, genapi.UnitRequest{JobID: "job-1", UnitIndex: 0, Prompt: "p"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "task-1" || gotAuth != "Bearer stored-key" {
		t.Fatalf("id = %q, auth = %q", id, gotAuth)
	}
}

func TestNewPublisherDrivers(t *testing.T) {
	logger := infra.NopLogger()

	cfg := testConfig(t)
	p, closeFn, err := NewPublisher(cfg, &logger)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if _, ok := p.(*queue.DirectPublisher); !ok {
		t.Fatalf("direct publisher = %T", p)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg.QueueDriver = infra.QueueDriverQStash
	cfg.QStashToken = "tok"
	p, _, err = NewPublisher(cfg, &logger)
	if err != nil {
		t.Fatalf("qstash: %v", err)
	}
	if _, ok := p.(*queue.QStashPublisher); !ok {
		t.Fatalf("qstash publisher = %T", p)
	}

	cfg.QueueDriver = "sqs"
	if _, closeFn, err := NewPublisher(cfg, &logger); err == nil || closeFn == nil {
		t.Fatalf("unknown driver: err=%v close=%v", err, closeFn != nil)
	}
}

func TestNewDispatcherRejectsUnsignedDelivery(t *testing.T) {
	cfg := testConfig(t)
	logger := infra.NopLogger()
	store, err := OpenStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	pub, _, err := NewPublisher(cfg, &logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	d, err := NewDispatcher(cfg, store, NewProvider(context.Background(), cfg, store, &logger), pub, &logger)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	res := d.Handle(context.Background(), queue.Delivery{Body: []byte(`{}`), Signature: "bogus"})
	if res.HTTPStatus() != 401 {
		t.Fatalf("status = %d, want 401", res.HTTPStatus())
	}
}
