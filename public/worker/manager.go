// Package worker implements the per-envelope consumer manager (spec
// §4.I): the handle a worker's handler receives alongside its envelope,
// exposing ack/reject plus send-to-another-worker and
// block-for-an-answer-from-another-worker helpers.
//
// Grounded on
// original_source/unipipeline/worker/uni_worker_consumer_manager.py for
// the method set (get_answer_from/send_to, and the unimplemented
// stop_consuming/exit resolved per DESIGN.md's Open Question (i)), and on
// public/orchestrator/events.go's PublishAndWait for the Go-idiomatic
// channel-based implementation of "block until a matching answer
// arrives or timeout."
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/uerr"
)

// RPCCaller is the subset of the mediator a Manager needs: publish a
// one-way message to another worker, or publish an RPC request and block
// for the matching answer. Implemented by *mediator.Mediator.
type RPCCaller interface {
	SendTo(ctx context.Context, fromWorker, toWorker string, payload interface{}, alone bool) error
	GetAnswerFrom(ctx context.Context, fromWorker, toWorker string, payload interface{}, deadline time.Duration) (*envelope.Envelope, error)
	Reply(ctx context.Context, fromWorker string, requestEnv *envelope.Envelope, payload interface{}) error
}

// Manager is bound to exactly one in-flight envelope.
type Manager struct {
	workerName string
	env        *envelope.Envelope
	msgMgr     broker.MessageManager
	caller     RPCCaller
	deadline   time.Duration
	stopFn     func()

	mu       sync.Mutex
	inFlight bool // at most one in-flight get_answer_from (invariant, spec §4.I)
}

// New constructs a Manager for one delivered envelope. deadline is the
// worker's configured RPC deadline (spec §5); stopFn initiates
// cooperative shutdown of this worker's consumer (Open Question (i)).
func New(workerName string, env *envelope.Envelope, msgMgr broker.MessageManager, caller RPCCaller, deadline time.Duration, stopFn func()) *Manager {
	return &Manager{
		workerName: workerName,
		env:        env,
		msgMgr:     msgMgr,
		caller:     caller,
		deadline:   deadline,
		stopFn:     stopFn,
	}
}

// Envelope returns the bound envelope.
func (m *Manager) Envelope() *envelope.Envelope { return m.env }

// Ack forwards to the broker's per-message manager. Idempotent.
func (m *Manager) Ack() error { return m.msgMgr.Ack() }

// Reject forwards to the broker's per-message manager, requeueing the
// delivery if the driver supports it.
func (m *Manager) Reject() error { return m.msgMgr.Reject() }

// SendTo publishes payload to worker without awaiting a response. alone
// is forwarded to the caller unchanged; *mediator.Mediator's SendTo does
// not act on it, so no send is suppressed.
func (m *Manager) SendTo(ctx context.Context, toWorker string, payload interface{}, alone bool) error {
	return m.caller.SendTo(ctx, m.workerName, toWorker, payload, alone)
}

// GetAnswerFrom publishes payload to toWorker with answer routing set,
// then blocks until a matching answer arrives or the deadline elapses.
// Nested RPC (a second call while one is already in flight on this
// manager) fails immediately with RPC_NESTED.
func (m *Manager) GetAnswerFrom(ctx context.Context, toWorker string, payload interface{}) (*envelope.Envelope, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil, uerr.New(uerr.RPCNested, "nested get_answer_from on the same consumer manager")
	}
	m.inFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	return m.caller.GetAnswerFrom(ctx, m.workerName, toWorker, payload, m.deadline)
}

// Reply answers the bound envelope's get_answer_from request, publishing
// payload to its answer_to_topic with the matching answer_id. If the
// bound envelope never requested an answer, the caller's Reply returns
// an error (CONFIG_INVALID from *mediator.Mediator) and nothing is sent.
func (m *Manager) Reply(ctx context.Context, payload interface{}) error {
	return m.caller.Reply(ctx, m.workerName, m.env, payload)
}

// StopConsuming initiates cooperative shutdown of the current consumer
// (Open Question (i) — the spec's adopted contract, not the source's
// unimplemented stop_consuming/exit).
func (m *Manager) StopConsuming() {
	if m.stopFn != nil {
		m.stopFn()
	}
}
