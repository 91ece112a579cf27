// Package definition holds the immutable registration structs the
// mediator's definition registry stores: brokers, messages, workers,
// cron tasks, and waitings, each keyed by name.
//
// Grounded on original_source/unipipeline/modules/uni_definition.py's
// frozen, configure_dynamic()-based pattern for validated per-driver
// properties, expressed here as Go structs decoded via a generic
// JSON-marshal/unmarshal round trip rather than a pydantic BaseModel.
package definition

import (
	"context"
	"encoding/json"
)

// DriverKind names a broker transport driver.
type DriverKind string

const (
	DriverAMQP   DriverKind = "amqp"
	DriverKafka  DriverKind = "kafka"
	DriverMemory DriverKind = "memory"
	DriverLog    DriverKind = "log"
)

// Codec identifies a (content-type, compression) pair, unique per spec
// §3's codec descriptor.
type Codec struct {
	ContentType string `json:"content_type"`
	Compression string `json:"compression"`
}

// DynamicProps carries free-form, driver-specific properties a collaborator
// hands to the core; Configure decodes them into a typed struct.
type DynamicProps map[string]interface{}

// Configure decodes p into a new T via a JSON marshal/unmarshal round
// trip, matching the teacher's own json.Unmarshal(req.Params, &params)
// idiom (internal/broker/service.go) rather than a reflection-based
// mapstructure decoder.
func Configure[T any](p DynamicProps) (T, error) {
	var out T
	raw, err := json.Marshal(p)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Broker is a broker definition: name, driver, codec, retry policy, and
// driver-specific dynamic properties.
type Broker struct {
	Name         string
	Driver       DriverKind
	Codec        Codec
	RetryDelayS  int
	DynamicProps DynamicProps
}

// Message is a message definition: a named payload schema. Schema is a
// validator function the host program supplies at registration time
// (spec §9, "Dynamic user types" — replaced by an explicit registration
// API rather than runtime class resolution).
type Message struct {
	Name     string
	Validate func(payload json.RawMessage) error
}

// Worker is a worker definition.
type Worker struct {
	Name          string
	InputMessage  string
	OutputMessage string // empty if the worker produces nothing
	Broker        string
	Topic         string
	Prefetch      int
	AnswerTopic   string // empty if the worker never calls get_answer_from
	External      bool   // true: emitted only, never consumed locally
	Waitings      []string
	RPCDeadlineMS int64 // 0 means the mediator's default deadline applies
	MaxRetries    int
}

// CronTask is a cron task definition.
type CronTask struct {
	Name       string
	Worker     string
	Expression string // 5-field cron expression
	Alone      bool
	Template   DynamicProps // synthetic payload template, carries task_name
}

// WaitingKind names how a waiting is probed.
type WaitingKind string

const (
	WaitingTCP    WaitingKind = "tcp"
	WaitingHTTP   WaitingKind = "http"
	WaitingCustom WaitingKind = "custom"
)

// Waiting is a waiting definition: an external dependency probed before
// the mediator admits traffic.
type Waiting struct {
	Name          string
	Kind          WaitingKind
	Target        string // host:port for tcp, URL for http, ignored for custom
	TimeoutMS     int64
	RetryDelayMS  int64
	Probe         func(ctx context.Context) error // used when Kind == WaitingCustom
}
