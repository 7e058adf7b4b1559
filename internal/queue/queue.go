// Package queue carries chunk messages between dispatcher invocations. Every
// transport delivers at least once and signs what it publishes.
package queue

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Transport headers for QStash-style push deliveries.
const (
	HeaderSignature       = "Upstash-Signature"
	HeaderMessageID       = "Upstash-Message-Id"
	HeaderRetried         = "Upstash-Retried"
	HeaderNonRetryable    = "Upstash-NonRetryable-Error"
	HeaderDeduplicationID = "Upstash-Deduplication-Id"

	// AMQPSignatureHeader carries the signature in AMQP message headers.
	AMQPSignatureHeader = "x-signature"
)

// Delivery is one transport delivery of a message body.
type Delivery struct {
	Body      []byte
	Signature string
	MessageID string
	// Attempt is zero for the first delivery and grows with each retry.
	Attempt int
}

// Message is an outgoing publish request.
type Message struct {
	Body []byte
	// Destination overrides the publisher's default target when set.
	Destination string
	// DeduplicationID lets the broker drop an identical publish.
	DeduplicationID string
}

// Receipt is returned by a successful publish.
type Receipt struct {
	MessageID string
}

// Publisher enqueues a message for at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (Receipt, error)
}

// DeliveryFromRequest extracts the delivery envelope from a push request.
func DeliveryFromRequest(r *http.Request, body []byte) Delivery {
	attempt, _ := strconv.Atoi(strings.TrimSpace(r.Header.Get(HeaderRetried)))
	if attempt < 0 {
		attempt = 0
	}
	return Delivery{
		Body:      body,
		Signature: strings.TrimSpace(r.Header.Get(HeaderSignature)),
		MessageID: strings.TrimSpace(r.Header.Get(HeaderMessageID)),
		Attempt:   attempt,
	}
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}
