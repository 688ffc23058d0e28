// Package fabric implements the Inter-Worker Messaging Fabric (§4.D): direct,
// broadcast, and coordination channels over the state store's pub/sub, with a
// request/reply helper and a bounded-concurrency handler dispatch table.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// Fabric is one worker's view of the messaging fabric (§4.D).
type Fabric struct {
	store   store.Store
	agentID string
	log     *logging.Logger

	mu       sync.RWMutex
	handlers map[string]task.Handler

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	sub    store.Subscription
	cancel context.CancelFunc
}

// Config configures a Fabric.
type Config struct {
	// MaxConcurrentHandlers bounds how many handler invocations run at once
	// (§4.D concurrency: "long-running handlers must not starve the
	// heartbeat path").
	MaxConcurrentHandlers int64
}

// New constructs a Fabric bound to one agent's three channels.
func New(s store.Store, agentID string, log *logging.Logger, cfg Config) *Fabric {
	if log == nil {
		log = logging.Nop()
	}
	max := cfg.MaxConcurrentHandlers
	if max <= 0 {
		max = 16
	}
	return &Fabric{
		store:    s,
		agentID:  agentID,
		log:      log.WithComponent("fabric"),
		handlers: make(map[string]task.Handler),
		sem:      semaphore.NewWeighted(max),
	}
}

// RegisterHandler installs fn for messages of the given type, replacing any
// previous registration (§4.D register_handler).
func (f *Fabric) RegisterHandler(msgType string, fn task.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = fn
}

// UnregisterHandler removes the handler for msgType, if any.
func (f *Fabric) UnregisterHandler(msgType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, msgType)
}

// Start subscribes to this agent's direct, broadcast, and coordination
// channels and begins dispatching to registered handlers.
func (f *Fabric) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.sub = f.store.Subscribe(ctx,
		store.ChanAgentDirect(f.agentID),
		store.ChanAgentBroadcast(),
		store.ChanAgentCoordination(),
	)
	f.wg.Add(1)
	go f.dispatchLoop(ctx)
}

// Stop unsubscribes and waits for in-flight handler invocations to drain.
func (f *Fabric) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.sub != nil {
		_ = f.sub.Close()
	}
	f.wg.Wait()
}

func (f *Fabric) dispatchLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-f.sub.Channel():
			if !ok {
				return
			}
			f.handleRaw(ctx, msg.Payload)
		}
	}
}

func (f *Fabric) handleRaw(ctx context.Context, raw string) {
	var msg task.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		f.log.Warn("discarding malformed fabric message", logging.NewFields().AgentID(f.agentID).Error(err))
		return
	}
	// Self-echo: broadcast/coordination channels deliver to every
	// subscriber including the sender (§4.D "self-messages are dropped at
	// the sender to avoid loops").
	if msg.Sender == f.agentID {
		return
	}

	f.mu.RLock()
	handler, ok := f.handlers[msg.Type]
	f.mu.RUnlock()
	if !ok {
		return
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.sem.Release(1)
		handler(msg)
	}()
}

// SendDirect fire-and-forget sends a message to recipient; a self-addressed
// send is dropped without error (§4.D send_direct).
func (f *Fabric) SendDirect(ctx context.Context, recipient, msgType string, payload []byte) error {
	if recipient == f.agentID {
		return nil
	}
	msg := task.Message{Type: msgType, Sender: f.agentID, Recipient: recipient, Payload: payload}
	return f.publish(ctx, store.ChanAgentDirect(recipient), msg)
}

// Broadcast fans a message out to every subscriber of the broadcast channel
// (§4.D broadcast).
func (f *Fabric) Broadcast(ctx context.Context, msgType string, payload []byte) error {
	msg := task.Message{Type: msgType, Sender: f.agentID, Payload: payload}
	return f.publish(ctx, store.ChanAgentBroadcast(), msg)
}

// Coordinate publishes a control-plane message (shutdown, config push,
// registry events) on the coordination channel.
func (f *Fabric) Coordinate(ctx context.Context, msgType string, payload []byte) error {
	msg := task.Message{Type: msgType, Sender: f.agentID, Payload: payload}
	return f.publish(ctx, store.ChanAgentCoordination(), msg)
}

func (f *Fabric) publish(ctx context.Context, channel string, msg task.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal fabric message")
	}
	return f.store.Publish(ctx, channel, string(raw))
}

// Request sends a message to recipient and blocks for a correlated reply on
// a private topic, or returns a Timeout error once deadline elapses (§4.D
// request).
func (f *Fabric) Request(ctx context.Context, recipient, msgType string, payload []byte, timeout time.Duration) (*task.Message, error) {
	correlationID := uuid.NewString()
	replyChannel := fmt.Sprintf("agent:reply:%s", correlationID)

	sub := f.store.Subscribe(ctx, replyChannel)
	defer sub.Close()

	msg := task.Message{
		Type:          msgType,
		Sender:        f.agentID,
		Recipient:     recipient,
		CorrelationID: correlationID,
		ReplyTo:       replyChannel,
		Payload:       payload,
	}
	if err := f.publish(ctx, store.ChanAgentDirect(recipient), msg); err != nil {
		return nil, err
	}

	select {
	case raw, ok := <-sub.Channel():
		if !ok {
			return nil, apperrors.NewTimeoutError("fabric request: reply channel closed")
		}
		var reply task.Message
		if err := json.Unmarshal([]byte(raw.Payload), &reply); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode fabric reply")
		}
		return &reply, nil
	case <-time.After(timeout):
		return nil, apperrors.NewTimeoutError(fmt.Sprintf("fabric request %s", msgType))
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTimeout, "fabric request cancelled")
	}
}

// Reply publishes payload to the ReplyTo topic of an in-flight request,
// completing the request/reply round trip from a handler.
func (f *Fabric) Reply(ctx context.Context, original task.Message, payload []byte) error {
	if original.ReplyTo == "" {
		return apperrors.NewValidationError("message carries no reply-to topic")
	}
	reply := task.Message{
		Type:          original.Type + ".reply",
		Sender:        f.agentID,
		CorrelationID: original.CorrelationID,
		Payload:       payload,
	}
	return f.publish(ctx, original.ReplyTo, reply)
}
