// Package bootstrap assembles stores, providers and transports from Config
// for the binaries under cmd/.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"avatarbatch/internal/adapter/litestore"
	"avatarbatch/internal/adapter/repo"
	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/domain"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/infra/credentials"
	"avatarbatch/internal/providers/genapi"
	"avatarbatch/internal/queue"
)

// JobStore serves every role of the job table.
type JobStore interface {
	domain.DispatchJobRepository
	domain.PollerJobRepository
	domain.TriggerJobRepository
}

// CredentialStore keeps provider API keys.
type CredentialStore interface {
	Token(ctx context.Context, provider string) (string, error)
	SetToken(ctx context.Context, provider, token string, props map[string]any) error
}

// Store bundles the repositories over one database.
type Store struct {
	Jobs        JobStore
	Ledger      domain.LedgerRepository
	Credentials CredentialStore
	Ping        func(ctx context.Context) error
	close       func()
}

// Close releases the underlying connection.
func (s *Store) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenStore connects to Postgres, or to SQLite when DATABASE_URL uses the
// sqlite: scheme.
func OpenStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Store, error) {
	if cfg.UsesSQLite() {
		lite, err := litestore.Open(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath()).Msg("bootstrap: using sqlite store")
		return &Store{
			Jobs:        lite,
			Ledger:      lite,
			Credentials: lite,
			Ping:        lite.Ping,
			close:       func() { _ = lite.Close() },
		}, nil
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	runner := infra.NewSQLRunner(pool, logger)
	return &Store{
		Jobs:        repo.NewJobRepository(runner),
		Ledger:      repo.NewLedgerRepository(runner),
		Credentials: credentials.NewStore(runner),
		Ping:        pool.Ping,
		close:       pool.Close,
	}, nil
}

// NewProvider returns the HTTP provider client, or the synthetic provider when
// no API key is configured, behind a circuit breaker. PROVIDER_API_KEY wins
// over a key stored in the database.
func NewProvider(ctx context.Context, cfg *infra.Config, store *Store, logger *infra.Logger) genapi.Provider {
	apiKey := strings.TrimSpace(cfg.ProviderAPIKey)
	if apiKey == "" && store != nil && store.Credentials != nil {
		stored, err := store.Credentials.Token(ctx, credentials.ProviderGenAPI)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap: failed to load provider api key from store")
		}
		apiKey = stored
	}

	var next genapi.Provider
	client, err := genapi.NewClient(genapi.Options{
		APIKey:         apiKey,
		BaseURL:        cfg.ProviderBaseURL,
		Model:          cfg.ProviderModel,
		RequestTimeout: cfg.ProviderTimeout,
		Logger:         logger,
	})
	switch {
	case err == nil:
		next = client
	case errors.Is(err, genapi.ErrMissingAPIKey):
		logger.Warn().Msg("bootstrap: provider api key missing, using synthetic provider")
		next = genapi.NewSynthetic()
	default:
		logger.Warn().Err(err).Msg("bootstrap: provider client unavailable, using synthetic provider")
		next = genapi.NewSynthetic()
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures < 0 {
		maxFailures = 0
	}
	return genapi.NewBreakerClient(next, genapi.BreakerOptions{
		Name:        "genapi",
		MaxFailures: uint32(maxFailures),
		OpenTimeout: cfg.BreakerOpenDuration,
		Logger:      logger,
	})
}

// NewSigner signs messages for transports that do not sign on their own.
func NewSigner(cfg *infra.Config) (*queue.Signer, error) {
	return queue.NewSigner(cfg.QueueSigningKey, cfg.QueueIssuer)
}

// NewVerifier accepts the current and next signing keys.
func NewVerifier(cfg *infra.Config) (*queue.Verifier, error) {
	return queue.NewVerifier(cfg.QueueSigningKey, cfg.QueueNextSigningKey, cfg.QueueIssuer)
}

// DialAMQP connects the RabbitMQ transport.
func DialAMQP(cfg *infra.Config, logger *infra.Logger) (*queue.AMQP, error) {
	signer, err := NewSigner(cfg)
	if err != nil {
		return nil, err
	}
	return queue.DialAMQP(cfg.AMQPURL, queue.AMQPOptions{
		Exchange:   cfg.AMQPExchange,
		Queue:      cfg.AMQPQueue,
		Signer:     signer,
		RetryDelay: cfg.AMQPRetryDelay,
		Logger:     logger,
	})
}

// NewPublisher builds the publisher selected by QUEUE_DRIVER. The returned
// close func is never nil.
func NewPublisher(cfg *infra.Config, logger *infra.Logger) (queue.Publisher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.QueueDriver {
	case infra.QueueDriverQStash:
		p, err := queue.NewQStashPublisher(queue.QStashOptions{
			BaseURL:     cfg.QStashURL,
			Token:       cfg.QStashToken,
			Destination: cfg.DispatchURL,
			Logger:      logger,
		})
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	case infra.QueueDriverRabbitMQ:
		a, err := DialAMQP(cfg, logger)
		if err != nil {
			return nil, noop, err
		}
		return a, a.Close, nil
	case infra.QueueDriverDirect:
		signer, err := NewSigner(cfg)
		if err != nil {
			return nil, noop, err
		}
		return queue.NewDirectPublisher(cfg.DispatchURL, signer, logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown queue driver %q", cfg.QueueDriver)
	}
}

// NewDispatcher wires the chunk dispatcher.
func NewDispatcher(cfg *infra.Config, store *Store, provider genapi.Provider, publisher queue.Publisher, logger *infra.Logger) (*dispatch.Dispatcher, error) {
	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Deps{
		Jobs:      store.Jobs,
		Ledger:    store.Ledger,
		Provider:  provider,
		Publisher: publisher,
		Verifier:  verifier,
		Logger:    logger,
		Timeout:   cfg.InvocationTimeout,
	}), nil
}
