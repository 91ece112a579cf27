// Package mediator implements the central orchestrator (spec §4.J): it
// owns the definition registry, routes publishes by logical worker name,
// correlates RPC answers across otherwise one-way queues, and drives the
// startup/shutdown sequence.
//
// Grounded on public/agent/framework.go's Run() five-step lifecycle and
// the signal-driven graceful-shutdown pattern mined from
// cmd/orchestrator/main.go before it was deleted (see DESIGN.md), plus
// internal/client/broker.go's pending-response-channel-table pattern,
// generalized here from one proprietary TCP hub's request/response
// correlation into a per-answer-topic waiter table shared by every
// broker driver.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/definition"
	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/cron"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/uerr"
	"github.com/relaymesh/relaymesh/internal/waiting"
	"github.com/relaymesh/relaymesh/public/worker"
)

// Handler is user code bound to a worker: it receives the decoded
// payload through mgr.Envelope()/UnmarshalPayload and the per-envelope
// consumer manager.
type Handler func(ctx context.Context, mgr *worker.Manager) error

// DefaultRPCDeadline is used when a worker definition doesn't override
// RPCDeadlineMS.
const DefaultRPCDeadline = 10 * time.Second

// DefaultDrainTimeout bounds how long Stop waits for in-flight handlers.
const DefaultDrainTimeout = 30 * time.Second

// Mediator is the central registration/routing/RPC-correlation object.
type Mediator struct {
	logger *log.Logger

	mu         sync.Mutex
	brokerDefs map[string]definition.Broker
	brokers    map[string]broker.Broker
	messages   map[string]definition.Message
	workers    map[string]definition.Worker
	handlers   map[string]Handler
	waitings   map[string]definition.Waiting
	cronTasks  map[string]definition.CronTask

	errorBroker string
	errorTopic  string

	pending   map[string]chan *envelope.Envelope // answer_id -> waiter
	pendingMu sync.Mutex

	cronDriver *cron.Driver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stoppers   []func()
	stoppersMu sync.Mutex
}

// New returns an empty mediator. errorBroker/errorTopic name the
// broker/topic MESSAGE_PAYLOAD and exhausted-HANDLE_MESSAGE error
// envelopes are routed to (spec §7).
func New(errorBroker, errorTopic string, logger *log.Logger) *Mediator {
	if logger == nil {
		logger = log.Default()
	}
	return &Mediator{
		logger:      logger,
		brokerDefs:  make(map[string]definition.Broker),
		brokers:     make(map[string]broker.Broker),
		messages:    make(map[string]definition.Message),
		workers:     make(map[string]definition.Worker),
		handlers:    make(map[string]Handler),
		waitings:    make(map[string]definition.Waiting),
		cronTasks:   make(map[string]definition.CronTask),
		errorBroker: errorBroker,
		errorTopic:  errorTopic,
		pending:     make(map[string]chan *envelope.Envelope),
	}
}

// RegisterBroker associates a broker definition with a constructed
// driver instance (the host program builds the *amqp.Broker/*kafka.Broker/
// etc. and hands it in, since driver construction needs
// driver-specific dynamic properties the mediator doesn't parse itself).
func (m *Mediator) RegisterBroker(def definition.Broker, driver broker.Broker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.brokerDefs[def.Name]; exists {
		return uerr.New(uerr.DefinitionDuplicate, "broker already registered: "+def.Name)
	}
	m.brokerDefs[def.Name] = def
	m.brokers[def.Name] = driver
	return nil
}

// RegisterMessage registers a named payload schema.
func (m *Mediator) RegisterMessage(def definition.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[def.Name]; exists {
		return uerr.New(uerr.DefinitionDuplicate, "message already registered: "+def.Name)
	}
	m.messages[def.Name] = def
	return nil
}

// RegisterWorker registers a worker definition and its handler,
// validating that the referenced broker and message both exist.
func (m *Mediator) RegisterWorker(def definition.Worker, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[def.Name]; exists {
		return uerr.New(uerr.DefinitionDuplicate, "worker already registered: "+def.Name)
	}
	if _, ok := m.brokerDefs[def.Broker]; !ok {
		return uerr.New(uerr.ConfigInvalid, "worker "+def.Name+" references unknown broker "+def.Broker)
	}
	if _, ok := m.messages[def.InputMessage]; !ok {
		return uerr.New(uerr.ConfigInvalid, "worker "+def.Name+" references unknown message "+def.InputMessage)
	}
	m.workers[def.Name] = def
	m.handlers[def.Name] = handler
	return nil
}

// RegisterWaiting registers an external dependency to probe at startup.
func (m *Mediator) RegisterWaiting(def definition.Waiting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.waitings[def.Name]; exists {
		return uerr.New(uerr.DefinitionDuplicate, "waiting already registered: "+def.Name)
	}
	m.waitings[def.Name] = def
	return nil
}

// RegisterCronTask registers a periodic synthetic-message task.
func (m *Mediator) RegisterCronTask(def definition.CronTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cronTasks[def.Name]; exists {
		return uerr.New(uerr.DefinitionDuplicate, "cron task already registered: "+def.Name)
	}
	if _, ok := m.workers[def.Worker]; !ok {
		return uerr.New(uerr.ConfigInvalid, "cron task "+def.Name+" references unknown worker "+def.Worker)
	}
	m.cronTasks[def.Name] = def
	return nil
}

// publish resolves toWorker to (broker, topic), builds an envelope, and
// publishes it. callerWorker may be empty for ingress sends.
func (m *Mediator) publish(ctx context.Context, callerWorker, toWorker string, payload interface{}, answerTopic, answerID string) error {
	m.mu.Lock()
	wd, ok := m.workers[toWorker]
	var bdriver broker.Broker
	if ok {
		bdriver = m.brokers[wd.Broker]
	}
	m.mu.Unlock()

	if !ok {
		return uerr.New(uerr.ConfigInvalid, "unknown worker: "+toWorker)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uerr.Wrap(uerr.PublishFailed, "payload marshal failed", err)
	}

	if msgDef, ok := m.messages[wd.InputMessage]; ok && msgDef.Validate != nil {
		if verr := msgDef.Validate(body); verr != nil {
			m.routeMessagePayloadError(ctx, toWorker, verr)
			return uerr.Wrap(uerr.PublishFailed, "payload failed schema validation", verr)
		}
	}

	env, err := envelope.New(callerWorker, payload)
	if err != nil {
		return uerr.Wrap(uerr.PublishFailed, "envelope construction failed", err)
	}
	if answerTopic != "" {
		env.WithAnswerTo(answerTopic, answerID)
	}

	if err := bdriver.Publish(ctx, wd.Topic, env); err != nil {
		return err
	}
	return nil
}

// routeMessagePayloadError publishes an error envelope to the configured
// error topic, matching spec §7's MESSAGE_PAYLOAD handling.
func (m *Mediator) routeMessagePayloadError(ctx context.Context, workerName string, cause error) {
	m.mu.Lock()
	bdriver, ok := m.brokers[m.errorBroker]
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("[mediator] no error broker configured, dropping MESSAGE_PAYLOAD error for %s: %v", workerName, cause)
		return
	}
	errEnv := envelope.NewError(workerName, "", envelope.ErrorMessagePayload, cause.Error())
	if err := bdriver.Publish(ctx, m.errorTopic, errEnv); err != nil {
		m.logger.Printf("[mediator] failed to route MESSAGE_PAYLOAD error envelope: %v", err)
	}
}

// SendTo implements worker.RPCCaller: publish without awaiting a
// response. alone is accepted for the interface and not acted on.
func (m *Mediator) SendTo(ctx context.Context, fromWorker, toWorker string, payload interface{}, alone bool) error {
	return m.publish(ctx, fromWorker, toWorker, payload, "", "")
}

// GetAnswerFrom implements worker.RPCCaller: publish an RPC request and
// block until a matching answer arrives on fromWorker's answer-topic or
// deadline elapses.
func (m *Mediator) GetAnswerFrom(ctx context.Context, fromWorker, toWorker string, payload interface{}, deadline time.Duration) (*envelope.Envelope, error) {
	m.mu.Lock()
	callerDef, ok := m.workers[fromWorker]
	m.mu.Unlock()
	if !ok || callerDef.AnswerTopic == "" {
		return nil, uerr.New(uerr.ConfigInvalid, "worker "+fromWorker+" has no answer-topic configured for get_answer_from")
	}
	if deadline <= 0 {
		deadline = DefaultRPCDeadline
	}

	answerID := uuid.New().String()
	waitCh := make(chan *envelope.Envelope, 1)

	m.pendingMu.Lock()
	m.pending[answerID] = waitCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, answerID)
		m.pendingMu.Unlock()
	}()

	if err := m.publish(ctx, fromWorker, toWorker, payload, callerDef.AnswerTopic, answerID); err != nil {
		return nil, err
	}

	select {
	case env := <-waitCh:
		if env.Error != nil {
			return nil, uerr.New(uerr.Kind(env.Error.Topic), env.Error.Message)
		}
		return env, nil
	case <-time.After(deadline):
		return nil, uerr.New(uerr.RPCTimeout, fmt.Sprintf("get_answer_from(%s -> %s) timed out after %s", fromWorker, toWorker, deadline))
	case <-ctx.Done():
		return nil, uerr.Wrap(uerr.RPCTimeout, "context cancelled while waiting for answer", ctx.Err())
	}
}

// Reply implements worker.RPCCaller: publish payload as the answer to
// requestEnv, which must carry the answer_to_topic/answer_id a caller's
// get_answer_from set on its original request.
func (m *Mediator) Reply(ctx context.Context, fromWorker string, requestEnv *envelope.Envelope, payload interface{}) error {
	if requestEnv.AnswerToTopic == "" || requestEnv.AnswerID == "" {
		return uerr.New(uerr.ConfigInvalid, "envelope does not request an answer")
	}
	m.mu.Lock()
	wd, ok := m.workers[fromWorker]
	var bdriver broker.Broker
	if ok {
		bdriver = m.brokers[wd.Broker]
	}
	m.mu.Unlock()
	if !ok {
		return uerr.New(uerr.ConfigInvalid, "unknown worker: "+fromWorker)
	}

	env, err := envelope.New(fromWorker, payload)
	if err != nil {
		return uerr.Wrap(uerr.PublishFailed, "answer envelope construction failed", err)
	}
	env.WithCorrelation(requestEnv.AnswerToTopic, requestEnv.AnswerID).WithParent(requestEnv.ID)

	return bdriver.Publish(ctx, requestEnv.AnswerToTopic, env)
}

// answerAck signals the cron driver that a cron-originated envelope
// (matched by payload's task_name) has been acked, so an alone-flagged
// task may fire again. A cron task's synthetic envelope is delivered to
// its target worker's input topic and acked there by
// startWorkerConsumer, not on an answer-topic — this is also called
// from the answer-topic consumer as a no-op fallback, since an answer
// envelope's payload never carries task_name.
func (m *Mediator) answerAck(payload json.RawMessage) {
	if m.cronDriver == nil {
		return
	}
	var body struct {
		TaskName string `json:"task_name"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.TaskName != "" {
		m.cronDriver.MarkAcked(body.TaskName)
	}
}

// Start runs the spec §4.J startup sequence: probe waitings, open broker
// connections, start answer-topic consumers, start the cron driver,
// then start each worker's input-topic consumer.
func (m *Mediator) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	waitings := make([]definition.Waiting, 0, len(m.waitings))
	for _, w := range m.waitings {
		waitings = append(waitings, w)
	}
	m.mu.Unlock()
	if err := waiting.WaitAll(m.ctx, waitings); err != nil {
		return err
	}
	m.logger.Printf("[mediator] all waitings healthy")

	m.mu.Lock()
	brokersToConnect := make(map[string]broker.Broker, len(m.brokers))
	for name, b := range m.brokers {
		brokersToConnect[name] = b
	}
	m.mu.Unlock()
	for name, b := range brokersToConnect {
		if err := b.Connect(m.ctx); err != nil {
			return uerr.Wrap(uerr.PoolConnectFailed, "broker connect failed: "+name, err)
		}
	}
	m.logger.Printf("[mediator] %d broker connections open", len(brokersToConnect))

	m.mu.Lock()
	workersSnapshot := make(map[string]definition.Worker, len(m.workers))
	for k, v := range m.workers {
		workersSnapshot[k] = v
	}
	cronTasksSnapshot := make([]definition.CronTask, 0, len(m.cronTasks))
	for _, t := range m.cronTasks {
		cronTasksSnapshot = append(cronTasksSnapshot, t)
	}
	m.mu.Unlock()

	for name, wd := range workersSnapshot {
		if wd.AnswerTopic == "" {
			continue
		}
		m.startAnswerConsumer(name, wd)
	}

	if len(cronTasksSnapshot) > 0 {
		cronDriver, err := cron.New(cronTasksSnapshot, func(ctx context.Context, workerName string, payload map[string]interface{}) error {
			return m.publish(ctx, "", workerName, payload, "", "")
		})
		if err != nil {
			return uerr.Wrap(uerr.ConfigInvalid, "cron task setup failed", err)
		}
		m.cronDriver = cronDriver
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cronDriver.Run(m.ctx)
		}()
		m.addStopper(cronDriver.Stop)
	}
	m.logger.Printf("[mediator] cron driver started with %d tasks", len(cronTasksSnapshot))

	for name, wd := range workersSnapshot {
		if wd.External {
			continue
		}
		m.startWorkerConsumer(name, wd)
	}
	m.logger.Printf("[mediator] %d worker consumers started", len(workersSnapshot))

	return nil
}

func (m *Mediator) addStopper(fn func()) {
	m.stoppersMu.Lock()
	defer m.stoppersMu.Unlock()
	m.stoppers = append(m.stoppers, fn)
}

// startAnswerConsumer runs a background consumer on workerName's
// answer-topic, matching incoming envelopes by answer_id against the
// pending-waiter table (spec §4.J's RPC correlation).
func (m *Mediator) startAnswerConsumer(workerName string, wd definition.Worker) {
	m.mu.Lock()
	b := m.brokers[wd.Broker]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := b.Consume(m.ctx, wd.AnswerTopic, workerName+".answers", workerName, wd.Prefetch, func(ctx context.Context, env *envelope.Envelope, mgr broker.MessageManager) error {
			defer mgr.Ack()
			m.pendingMu.Lock()
			ch, ok := m.pending[env.AnswerID]
			m.pendingMu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
			m.answerAck(env.Payload)
			return nil
		})
		if err != nil && m.ctx.Err() == nil {
			m.logger.Printf("[mediator] answer-topic consumer for %s exited: %v", workerName, err)
		}
	}()
	m.addStopper(b.Stop)
}

// startWorkerConsumer runs workerName's input-topic consumer, wrapping
// each delivery in a worker.Manager and applying the HANDLE_MESSAGE
// retry-then-error-envelope policy of spec §7.
func (m *Mediator) startWorkerConsumer(workerName string, wd definition.Worker) {
	m.mu.Lock()
	b := m.brokers[wd.Broker]
	handler := m.handlers[workerName]
	m.mu.Unlock()

	deadline := time.Duration(wd.RPCDeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = DefaultRPCDeadline
	}

	attempts := make(map[string]int)
	var attemptsMu sync.Mutex

	consumeCtx, stopConsumer := context.WithCancel(m.ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stopConsumer()
		err := b.Consume(consumeCtx, wd.Topic, workerName+".consumer", workerName, wd.Prefetch, func(ctx context.Context, env *envelope.Envelope, msgMgr broker.MessageManager) error {
			mgr := worker.New(workerName, env, msgMgr, m, deadline, stopConsumer)

			if env.Error != nil {
				mgr.Ack()
				return nil
			}

			hErr := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = uerr.New(uerr.System, fmt.Sprintf("handler panic: %v", r))
					}
				}()
				return handler(ctx, mgr)
			}()

			if hErr == nil {
				mgr.Ack()
				m.answerAck(env.Payload)
				attemptsMu.Lock()
				delete(attempts, env.ID)
				attemptsMu.Unlock()
				return nil
			}

			attemptsMu.Lock()
			attempts[env.ID]++
			count := attempts[env.ID]
			attemptsMu.Unlock()

			if count <= wd.MaxRetries {
				mgr.Reject()
				return hErr
			}

			attemptsMu.Lock()
			delete(attempts, env.ID)
			attemptsMu.Unlock()
			mgr.Ack()
			m.answerAck(env.Payload)
			m.routeHandleMessageError(ctx, workerName, hErr)
			return hErr
		})
		if err != nil && m.ctx.Err() == nil {
			m.logger.Printf("[mediator] worker consumer for %s exited: %v", workerName, err)
		}
	}()
	m.addStopper(b.Stop)
}

func (m *Mediator) routeHandleMessageError(ctx context.Context, workerName string, cause error) {
	m.mu.Lock()
	bdriver, ok := m.brokers[m.errorBroker]
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("[mediator] no error broker configured, dropping HANDLE_MESSAGE error for %s: %v", workerName, cause)
		return
	}
	errEnv := envelope.NewError(workerName, "", envelope.ErrorHandleMessage, cause.Error())
	if err := bdriver.Publish(ctx, m.errorTopic, errEnv); err != nil {
		m.logger.Printf("[mediator] failed to route HANDLE_MESSAGE error envelope: %v", err)
	}
}

// Stop initiates graceful shutdown: stop accepting new deliveries, drain
// in-flight handlers up to drainTimeout, close brokers (releasing
// connection-pool references), and stop the cron driver.
func (m *Mediator) Stop(drainTimeout time.Duration) error {
	if m.cancel == nil {
		return nil
	}
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	m.stoppersMu.Lock()
	stoppers := append([]func(){}, m.stoppers...)
	m.stoppersMu.Unlock()
	for _, stop := range stoppers {
		stop()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		m.logger.Printf("[mediator] shutdown drain timeout exceeded after %s", drainTimeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, b := range m.brokers {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing broker %s: %w", name, err)
		}
	}
	return firstErr
}
