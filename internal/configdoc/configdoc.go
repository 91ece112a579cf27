// Package configdoc implements the optional YAML config-document loader
// (spec §6/§6A): a document with `brokers`/`messages`/`workers`/`cron`/
// `waitings` sections, each mapping names to definitions. It is a
// convenience on top of the mediator's programmatic registration API,
// never a requirement of it — nothing in public/mediator imports this
// package.
//
// Grounded on internal/config/config.go's Load/multi-document-YAML idiom
// (gopkg.in/yaml.v3, a yaml.NewDecoder loop for "---"-separated
// documents) and public/agent/config.go's StandardConfigResolver
// precedence, both adapted from a single-file agent config onto this
// module's brokers/messages/workers/cron/waitings sections.
package configdoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/definition"
)

// BrokerDoc is one entry of the `brokers` section.
type BrokerDoc struct {
	Driver       string                 `yaml:"driver"`
	ContentType  string                 `yaml:"content_type"`
	Compression  string                 `yaml:"compression"`
	RetryDelayS  int                    `yaml:"retry_delay_s"`
	DynamicProps map[string]interface{} `yaml:"dynamic_props"`
}

// MessageDoc is one entry of the `messages` section. Schema validation
// is attached programmatically by the host (see ToDefinitions), since a
// validator function cannot round-trip through YAML.
type MessageDoc struct{}

// WorkerDoc is one entry of the `workers` section.
type WorkerDoc struct {
	InputMessage  string   `yaml:"input_message"`
	OutputMessage string   `yaml:"output_message"`
	Broker        string   `yaml:"broker"`
	Topic         string   `yaml:"topic"`
	Prefetch      int      `yaml:"prefetch"`
	AnswerTopic   string   `yaml:"answer_topic"`
	External      bool     `yaml:"external"`
	Waitings      []string `yaml:"waitings"`
	RPCDeadlineMS int64    `yaml:"rpc_deadline_ms"`
	MaxRetries    int      `yaml:"max_retries"`
}

// CronDoc is one entry of the `cron` section.
type CronDoc struct {
	Worker     string                 `yaml:"worker"`
	Expression string                 `yaml:"expression"`
	Alone      bool                   `yaml:"alone"`
	Template   map[string]interface{} `yaml:"template"`
}

// WaitingDoc is one entry of the `waitings` section. Kind "custom" has
// no YAML representation — it must be attached programmatically, since
// its probe is a Go function.
type WaitingDoc struct {
	Kind         string `yaml:"kind"`
	Target       string `yaml:"target"`
	TimeoutMS    int64  `yaml:"timeout_ms"`
	RetryDelayMS int64  `yaml:"retry_delay_ms"`
}

// Document is the top-level §6 config document shape.
type Document struct {
	Brokers  map[string]BrokerDoc  `yaml:"brokers"`
	Messages map[string]MessageDoc `yaml:"messages"`
	Workers  map[string]WorkerDoc  `yaml:"workers"`
	Cron     map[string]CronDoc    `yaml:"cron"`
	Waitings map[string]WaitingDoc `yaml:"waitings"`
}

// Load reads filename, decoding one or more "---"-separated YAML
// documents and merging their sections, matching
// internal/config.go's LoadCells multi-document decode loop. Template
// interpolation (spec §6's double-brace placeholders) is assumed to
// have already run; this loader only parses the result.
func Load(filename string) (*Document, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config document %s: %w", filename, err)
	}

	merged := &Document{
		Brokers:  make(map[string]BrokerDoc),
		Messages: make(map[string]MessageDoc),
		Workers:  make(map[string]WorkerDoc),
		Cron:     make(map[string]CronDoc),
		Waitings: make(map[string]WaitingDoc),
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc Document
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse config document %s: %w", filename, err)
		}
		for k, v := range doc.Brokers {
			merged.Brokers[k] = v
		}
		for k, v := range doc.Messages {
			merged.Messages[k] = v
		}
		for k, v := range doc.Workers {
			merged.Workers[k] = v
		}
		for k, v := range doc.Cron {
			merged.Cron[k] = v
		}
		for k, v := range doc.Waitings {
			merged.Waitings[k] = v
		}
	}
	return merged, nil
}

// Definitions is the decoded, still-host-editable bundle ToDefinitions
// returns: the host attaches message validators, waiting probe
// functions, and broker driver instances before registering these with
// a mediator.
type Definitions struct {
	Brokers  map[string]definition.Broker
	Messages map[string]definition.Message
	Workers  map[string]definition.Worker
	Cron     []definition.CronTask
	Waitings map[string]definition.Waiting
}

// ToDefinitions converts the decoded document into definition structs.
// Broker entries carry DynamicProps for definition.Configure to decode
// driver-specific properties from; Message.Validate and
// Waiting.Probe (for "custom" waitings) are left nil for the host to
// fill in by name before registering.
func (d *Document) ToDefinitions() *Definitions {
	out := &Definitions{
		Brokers:  make(map[string]definition.Broker, len(d.Brokers)),
		Messages: make(map[string]definition.Message, len(d.Messages)),
		Workers:  make(map[string]definition.Worker, len(d.Workers)),
		Waitings: make(map[string]definition.Waiting, len(d.Waitings)),
	}

	for name, b := range d.Brokers {
		out.Brokers[name] = definition.Broker{
			Name:   name,
			Driver: definition.DriverKind(b.Driver),
			Codec: definition.Codec{
				ContentType: b.ContentType,
				Compression: b.Compression,
			},
			RetryDelayS:  b.RetryDelayS,
			DynamicProps: definition.DynamicProps(b.DynamicProps),
		}
	}
	for name := range d.Messages {
		out.Messages[name] = definition.Message{Name: name}
	}
	for name, w := range d.Workers {
		out.Workers[name] = definition.Worker{
			Name:          name,
			InputMessage:  w.InputMessage,
			OutputMessage: w.OutputMessage,
			Broker:        w.Broker,
			Topic:         w.Topic,
			Prefetch:      w.Prefetch,
			AnswerTopic:   w.AnswerTopic,
			External:      w.External,
			Waitings:      w.Waitings,
			RPCDeadlineMS: w.RPCDeadlineMS,
			MaxRetries:    w.MaxRetries,
		}
	}
	for name, c := range d.Cron {
		out.Cron = append(out.Cron, definition.CronTask{
			Name:       name,
			Worker:     c.Worker,
			Expression: c.Expression,
			Alone:      c.Alone,
			Template:   definition.DynamicProps(c.Template),
		})
	}
	for name, w := range d.Waitings {
		out.Waitings[name] = definition.Waiting{
			Name:         name,
			Kind:         definition.WaitingKind(w.Kind),
			Target:       w.Target,
			TimeoutMS:    w.TimeoutMS,
			RetryDelayMS: w.RetryDelayMS,
		}
	}
	return out
}

// Resolver locates a config document following the teacher's
// StandardConfigResolver precedence, generalized from one agent's
// per-name config file onto this module's single document:
// 1. an explicit CLI flag value
// 2. the RELAYMESH_CONFIG_PATH environment variable
// 3. ./config/<name>.yaml relative to the working directory
// 4. <binary-dir>/config/<name>.yaml, for portable bundles
type Resolver struct {
	Name       string
	ConfigFlag *string
}

// Resolve returns the resolved path, or "" if no document was found at
// any of the standard locations.
func (r *Resolver) Resolve() string {
	if r.ConfigFlag != nil && *r.ConfigFlag != "" {
		return *r.ConfigFlag
	}
	if path := os.Getenv("RELAYMESH_CONFIG_PATH"); path != "" && fileExists(path) {
		return path
	}
	if path := filepath.Join("config", r.Name+".yaml"); fileExists(path) {
		return path
	}
	binaryDir := filepath.Dir(os.Args[0])
	if path := filepath.Join(binaryDir, "config", r.Name+".yaml"); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
