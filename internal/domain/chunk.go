package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MaxChunkSize bounds chunkSize; it must match the lte tag on ChunkMessage.
const MaxChunkSize = 1000

// ChunkMessage is the queue payload that drives one dispatcher invocation.
// Everything but StartIndex is carried unchanged along the chain of a job.
type ChunkMessage struct {
	JobID             string          `json:"jobId" validate:"required"`
	OwnerRef          string          `json:"ownerRef" validate:"required"`
	SubjectRef        string          `json:"subjectRef" validate:"required"`
	StyleID           string          `json:"styleId" validate:"required"`
	TotalUnits        int             `json:"totalUnits" validate:"gte=1"`
	ReferenceInputs   json.RawMessage `json:"referenceInputs,omitempty"`
	StartIndex        int             `json:"startIndex" validate:"gte=0,ltfield=TotalUnits"`
	ChunkSize         int             `json:"chunkSize" validate:"gte=1,lte=1000"`
	ExplicitUnitTexts []string        `json:"explicitUnitTexts,omitempty"`
}

// Window is the half-open unit range [Start, End) handled by one chunk.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of units in the window.
func (w Window) Len() int {
	if w.End <= w.Start {
		return 0
	}
	return w.End - w.Start
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.Start, w.End)
}

// ParseChunkMessage decodes and validates a raw queue body. Any failure wraps
// ErrMalformedPayload.
func ParseChunkMessage(body []byte) (ChunkMessage, error) {
	var msg ChunkMessage
	if len(bytes.TrimSpace(body)) == 0 {
		return msg, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks required fields and index bounds.
func (m ChunkMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields %s", ErrMalformedPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if n := len(m.ExplicitUnitTexts); n > 0 && n != m.TotalUnits {
		return fmt.Errorf("%w: explicitUnitTexts has %d entries for %d units", ErrMalformedPayload, n, m.TotalUnits)
	}
	return nil
}

// Window computes [startIndex, min(startIndex+chunkSize, totalUnits)).
func (m ChunkMessage) Window() Window {
	end := m.TotalUnits
	if m.ChunkSize < m.TotalUnits-m.StartIndex {
		end = m.StartIndex + m.ChunkSize
	}
	return Window{Start: m.StartIndex, End: end}
}

// Continuation returns the message for the next window, or false when this
// chunk's window reaches TotalUnits.
func (m ChunkMessage) Continuation() (ChunkMessage, bool) {
	w := m.Window()
	if w.End >= m.TotalUnits {
		return ChunkMessage{}, false
	}
	next := m
	next.StartIndex = w.End
	return next, true
}

// IsFirst reports whether the message opens the chain.
func (m ChunkMessage) IsFirst() bool {
	return m.StartIndex == 0
}

// Marshal encodes the message for publishing.
func (m ChunkMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
