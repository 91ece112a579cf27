// Package envelope provides the core message structure carried between
// workers over a broker.
//
// The envelope wraps every message with the metadata needed to route it,
// validate it, and correlate a request with its eventual answer. This
// enables synchronous request/response ("get answer from") on top of
// otherwise one-way queues.
//
// Called by: brokers (serialize/parse), the worker consumer manager,
// the mediator.
// Calls: encoding/json, github.com/google/uuid.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorTopic enumerates the kinds of error an envelope's Error field may
// carry.
type ErrorTopic string

const (
	ErrorMessagePayload ErrorTopic = "MESSAGE_PAYLOAD"
	ErrorHandleMessage  ErrorTopic = "HANDLE_MESSAGE"
	ErrorSystem         ErrorTopic = "SYSTEM"
)

// ErrorInfo is present only on error envelopes.
type ErrorInfo struct {
	Topic   ErrorTopic `json:"topic"`
	Message string     `json:"message"`
}

// Envelope is the on-wire record carrying payload plus metadata. Field
// names match the canonical JSON schema so a receiver in any language can
// decode them.
//
// Thread safety: envelopes are immutable once published; mutation helpers
// below are only safe to call before Validate/publish.
type Envelope struct {
	ID             string          `json:"id"`
	DateCreated    time.Time       `json:"date_created"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	WorkerCreator  string          `json:"worker_creator,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	AnswerToTopic  string          `json:"answer_to_topic,omitempty"`
	AnswerID       string          `json:"answer_id,omitempty"`
	RealNeedAnswer bool            `json:"real_need_answer,omitempty"`
	Error          *ErrorInfo      `json:"error,omitempty"`
	TTLSeconds     int64           `json:"ttl_s,omitempty"`
}

// New constructs a payload envelope. workerCreator may be empty for
// ingress envelopes with no originating worker.
func New(workerCreator string, payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New().String(),
		DateCreated:   time.Now(),
		Payload:       body,
		WorkerCreator: workerCreator,
	}, nil
}

// NewError constructs an error envelope. Per the envelope invariant,
// exactly one of payload/error is set, never both.
func NewError(workerCreator string, parentID string, topic ErrorTopic, message string) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		DateCreated:   time.Now(),
		WorkerCreator: workerCreator,
		ParentID:      parentID,
		Error:         &ErrorInfo{Topic: topic, Message: message},
	}
}

// WithParent records the envelope that caused this one, for tracing.
func (e *Envelope) WithParent(parentID string) *Envelope {
	e.ParentID = parentID
	return e
}

// WithAnswerTo marks the envelope as an RPC request: a response must be
// published to answerTopic carrying the same answerID.
func (e *Envelope) WithAnswerTo(answerTopic, answerID string) *Envelope {
	e.AnswerToTopic = answerTopic
	e.AnswerID = answerID
	e.RealNeedAnswer = true
	return e
}

// WithCorrelation marks the envelope as an answer: it carries the same
// answer_to_topic/answer_id as the request it answers, but — unlike
// WithAnswerTo — leaves real_need_answer false, since an answer itself
// is not a pending RPC request.
func (e *Envelope) WithCorrelation(answerTopic, answerID string) *Envelope {
	e.AnswerToTopic = answerTopic
	e.AnswerID = answerID
	return e
}

// WithTTL sets a time-to-live in seconds; a broker may drop expired
// messages before delivery.
func (e *Envelope) WithTTL(seconds int64) *Envelope {
	e.TTLSeconds = seconds
	return e
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// IsExpired reports whether the envelope has outlived its TTL. An
// envelope with TTLSeconds <= 0 never expires.
func (e *Envelope) IsExpired() bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return time.Now().After(e.DateCreated.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Clone returns a deep copy, safe to mutate independently of e.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}

// ToJSON serializes the envelope using its canonical key names.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate enforces the envelope invariants: exactly one of
// payload/error, and answer_to_topic/answer_id both set or both unset.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	hasPayload := len(e.Payload) > 0
	hasError := e.Error != nil
	if hasPayload == hasError {
		return &ValidationError{Field: "payload/error", Message: "exactly one of payload or error must be set"}
	}
	hasAnswerTopic := e.AnswerToTopic != ""
	hasAnswerID := e.AnswerID != ""
	if hasAnswerTopic != hasAnswerID {
		return &ValidationError{Field: "answer_to_topic/answer_id", Message: "must both be set or both unset"}
	}
	return nil
}

// ValidationError reports a single envelope construction defect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
