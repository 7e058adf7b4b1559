package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"avatarbatch/internal/infra"
)

// DirectPublisher emulates a push queue for local runs: it signs the body and
// POSTs it to the destination in the background, retrying on 5xx like the
// hosted queue would.
type DirectPublisher struct {
	destination string
	signer      *Signer
	httpClient  *http.Client
	attempts    int
	backoff     time.Duration
	logger      *infra.Logger
}

// NewDirectPublisher pushes to destination using signer.
func NewDirectPublisher(destination string, signer *Signer, logger *infra.Logger) *DirectPublisher {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &DirectPublisher{
		destination: destination,
		signer:      signer,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		attempts:    4,
		backoff:     time.Second,
		logger:      logger,
	}
}

// Publish returns once the delivery is scheduled.
func (p *DirectPublisher) Publish(ctx context.Context, msg Message) (Receipt, error) {
	dest := msg.Destination
	if dest == "" {
		dest = p.destination
	}
	sig, err := p.signer.Sign(msg.Body, dest)
	if err != nil {
		return Receipt{}, fmt.Errorf("queue: sign: %w", err)
	}
	id := newMessageID()
	go p.deliver(context.WithoutCancel(ctx), dest, id, sig, msg.Body)
	return Receipt{MessageID: id}, nil
}

func (p *DirectPublisher) deliver(ctx context.Context, dest, id, sig string, body []byte) {
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.backoff * time.Duration(1<<(attempt-1)))
		}
		status, err := p.push(ctx, dest, id, sig, body, attempt)
		if err == nil && status < 500 {
			return
		}
		p.logger.Warn().Err(err).Int("status", status).Str("message_id", id).Int("attempt", attempt).Msg("queue: direct delivery failed")
	}
	p.logger.Error().Str("message_id", id).Msg("queue: direct delivery gave up")
}

func (p *DirectPublisher) push(ctx context.Context, dest, id, sig string, body []byte, attempt int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderMessageID, id)
	req.Header.Set(HeaderRetried, strconv.Itoa(attempt))
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
