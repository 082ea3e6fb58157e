package webhook

import (
	"context"
	"sync"

	"github.com/mamadbah2/wahook/internal/domain/models"
	"github.com/mamadbah2/wahook/pkg/clients/whatsapp"
)

// MessageHandler handles one canonical inbound message. Each handler in a
// chain receives its own copy, so changes made by one are not seen by the next.
type MessageHandler func(ctx context.Context, wa whatsapp.Client, msg *models.Message) error

// StatusHandler handles one delivery status.
type StatusHandler func(ctx context.Context, wa whatsapp.Client, status *models.Status) error

// EventHandler handles a change notification for a non-message field.
type EventHandler func(ctx context.Context, wa whatsapp.Client, event *models.Event) error

// FlowHandler answers a decrypted flow data exchange request. The returned
// value is JSON encoded and encrypted before it is sent back.
type FlowHandler func(ctx context.Context, wa whatsapp.Client, req *models.FlowRequest) (any, error)

// Registry holds the handlers a Processor dispatches to. Registration is
// last-write-wins per key; registering nil removes the handler.
type Registry struct {
	mu       sync.RWMutex
	messages map[models.MessageType]MessageHandler
	events   map[string]EventHandler
	flows    map[models.FlowType]FlowHandler
	pre      MessageHandler
	post     MessageHandler
	status   StatusHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		messages: make(map[models.MessageType]MessageHandler),
		events:   make(map[string]EventHandler),
		flows:    make(map[models.FlowType]FlowHandler),
	}
}

// OnMessage registers the handler for one message type.
func (r *Registry) OnMessage(t models.MessageType, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.messages, t)
		return
	}
	r.messages[t] = h
}

// OnMessagePreProcess registers the hook run before every message handler.
func (r *Registry) OnMessagePreProcess(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pre = h
}

// OnMessagePostProcess registers the hook run after every message handler.
func (r *Registry) OnMessagePostProcess(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post = h
}

// OnStatus registers the delivery status handler.
func (r *Registry) OnStatus(h StatusHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = h
}

// OnEvent registers the handler for a non-message change field.
func (r *Registry) OnEvent(field string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.events, field)
		return
	}
	r.events[field] = h
}

// OnFlow registers a flow handler. FlowTypeAll acts as the fallback.
func (r *Registry) OnFlow(t models.FlowType, h FlowHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.flows, t)
		return
	}
	r.flows[t] = h
}

// messageChain returns the pre, type and post handlers for t in one read.
func (r *Registry) messageChain(t models.MessageType) (pre, handler, post MessageHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pre, r.messages[t], r.post
}

func (r *Registry) statusHandler() StatusHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Registry) eventHandler(field string) EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[field]
}

// flowHandler looks up t first, then FlowTypeAll.
func (r *Registry) flowHandler(t models.FlowType) (FlowHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.flows[t]; ok {
		return h, true
	}
	h, ok := r.flows[models.FlowTypeAll]
	return h, ok
}
