package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"avatarbatch/internal/infra"
)

// ErrMissingToken indicates a QStash publisher without credentials.
var ErrMissingToken = errors.New("queue: qstash token is required")

// QStashOptions configures the push publisher.
type QStashOptions struct {
	BaseURL     string
	Token       string
	Destination string
	Retries     int
	HTTPClient  *http.Client
	Logger      *infra.Logger
}

// QStashPublisher publishes through a QStash-compatible HTTP API, which later
// pushes the signed body to the destination endpoint.
type QStashPublisher struct {
	baseURL     string
	token       string
	destination string
	retries     int
	httpClient  *http.Client
	logger      *infra.Logger
}

type publishResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// NewQStashPublisher builds a publisher with defaults.
func NewQStashPublisher(opts QStashOptions) (*QStashPublisher, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://qstash.upstash.io"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	logger := opts.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &QStashPublisher{
		baseURL:     baseURL,
		token:       token,
		destination: opts.Destination,
		retries:     retries,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Publish enqueues msg for its destination.
func (p *QStashPublisher) Publish(ctx context.Context, msg Message) (Receipt, error) {
	dest := msg.Destination
	if dest == "" {
		dest = p.destination
	}
	if dest == "" {
		return Receipt{}, errors.New("queue: destination is required")
	}
	endpoint := p.baseURL + "/v2/publish/" + dest
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Retries", fmt.Sprint(p.retries))
	if msg.DeduplicationID != "" {
		req.Header.Set(HeaderDeduplicationID, msg.DeduplicationID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("queue: publish: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var out publishResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		detail := out.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return Receipt{}, fmt.Errorf("queue: publish status %d: %s", resp.StatusCode, detail)
	}
	p.logger.Debug().
		Str("message_id", out.MessageID).
		Str("dedup_id", msg.DeduplicationID).
		Msg("queue: published")
	return Receipt{MessageID: out.MessageID}, nil
}
