package rpc

import (
	"context"
	"encoding/json"
)

// Handler answers an incoming JSON-RPC request. Returning a
// *core.DomainError-shaped error (see Error) causes Conn to serialize
// it as the response's error object; any other error is serialized as
// a CodeProtocol error without leaking its Go type.
type Handler func(ctx context.Context, conn *Conn, params json.RawMessage) (result any, err error)

// NotificationHandler answers an incoming JSON-RPC notification. It
// has no result to return.
type NotificationHandler func(ctx context.Context, conn *Conn, params json.RawMessage)

// Dispatcher maps method names to their handlers. §9 calls for "a
// tagged variant per method with a single typed dispatcher" in place
// of duck-typed dispatch; Dispatcher is that single typed dispatcher,
// shared by the hub's exporter/agent-facing channel and the agent's
// local IPC channel (they register different method sets).
type Dispatcher struct {
	methods       map[string]Handler
	notifications map[string]NotificationHandler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		methods:       make(map[string]Handler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Handle registers h for request method name.
func (d *Dispatcher) Handle(name string, h Handler) {
	d.methods[name] = h
}

// HandleNotification registers h for notification method name.
func (d *Dispatcher) HandleNotification(name string, h NotificationHandler) {
	d.notifications[name] = h
}
