package deepstream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RpcRequestedHandler is invoked for every inbound request to a provided
// RPC. The handler must complete the response exactly once via Send, Reject
// or Error.
type RpcRequestedHandler func(rpcName string, data any, response *RpcResponse)

// RpcResult is the outcome of a Make call. Data holds the response payload
// on success and the error description on failure.
type RpcResult struct {
	success bool
	data    any
}

func (r RpcResult) Success() bool { return r.success }
func (r RpcResult) Data() any     { return r.data }

// RpcHandler is the entry point for the request/response domain, covering
// both the caller and the provider role.
type RpcHandler struct {
	cfg      Config
	conn     messageSender
	client   clientHandle
	registry *ackTimeoutRegistry

	counter atomic.Int64

	mu        sync.Mutex
	providers map[string]RpcRequestedHandler
	pending   map[string]*rpcInvocation
}

type rpcInvocation struct {
	name          string
	result        chan RpcResult
	responseTimer *time.Timer
}

func newRpcHandler(cfg Config, conn messageSender, client clientHandle) *RpcHandler {
	r := &RpcHandler{
		cfg:       cfg,
		conn:      conn,
		client:    client,
		registry:  client.ackRegistry(),
		providers: make(map[string]RpcRequestedHandler),
		pending:   make(map[string]*rpcInvocation),
	}
	newResubscribeNotifier(client, r.resubscribe)
	return r
}

// Provide registers this client as a provider for rpcName.
func (r *RpcHandler) Provide(rpcName string, handler RpcRequestedHandler) error {
	r.mu.Lock()
	if _, exists := r.providers[rpcName]; exists {
		r.mu.Unlock()
		return fmt.Errorf("RPC %s already provided", rpcName)
	}
	r.providers[rpcName] = handler
	r.mu.Unlock()

	r.registry.add(TopicRPC, ActionSubscribe, rpcName, "", nil, r.cfg.SubscriptionTimeout)
	r.conn.sendMsg(TopicRPC, ActionSubscribe, rpcName)
	return nil
}

// Unprovide withdraws the provider registration for rpcName.
func (r *RpcHandler) Unprovide(rpcName string) error {
	r.mu.Lock()
	_, exists := r.providers[rpcName]
	delete(r.providers, rpcName)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("RPC %s is not provided", rpcName)
	}
	r.registry.add(TopicRPC, ActionUnsubscribe, rpcName, "", nil, r.cfg.SubscriptionTimeout)
	r.conn.sendMsg(TopicRPC, ActionUnsubscribe, rpcName)
	return nil
}

// Make invokes a remote procedure and blocks until its response, an error or
// the response deadline. The request is guarded twice: the hub must ack it
// within RPCAckTimeout and answer it within RPCResponseTimeout.
func (r *RpcHandler) Make(rpcName string, data any) RpcResult {
	cid := fmt.Sprintf("%d", r.counter.Add(1))

	inv := &rpcInvocation{
		name:   rpcName,
		result: make(chan RpcResult, 1),
	}
	inv.responseTimer = time.AfterFunc(r.cfg.RPCResponseTimeout, func() {
		r.complete(cid, RpcResult{success: false, data: string(EventResponseTimeout)})
	})

	r.mu.Lock()
	r.pending[cid] = inv
	r.mu.Unlock()

	r.registry.add(TopicRPC, ActionRequest, cid, "", nil, r.cfg.RPCAckTimeout)
	r.conn.sendMsg(TopicRPC, ActionRequest, rpcName, cid, typed(data))

	select {
	case result := <-inv.result:
		return result
	case <-r.client.closedCh():
		return RpcResult{success: false, data: string(EventIsClosed)}
	}
}

// complete resolves a pending invocation exactly once.
func (r *RpcHandler) complete(cid string, result RpcResult) {
	r.mu.Lock()
	inv, ok := r.pending[cid]
	delete(r.pending, cid)
	r.mu.Unlock()
	if !ok {
		return
	}

	inv.responseTimer.Stop()
	r.registry.clear(TopicRPC, ActionRequest, cid)
	inv.result <- result
}

// handle runs on the RPC dispatch queue.
func (r *RpcHandler) handle(msg *Message) {
	switch msg.Action {
	case ActionAck:
		if len(msg.Data) == 0 {
			return
		}
		if Action(msg.Data[0]) == ActionRequest {
			// Request acks mirror the provider's ack payload:
			// [REQUEST, name, correlationId].
			if len(msg.Data) >= 3 {
				r.registry.clear(TopicRPC, ActionRequest, msg.Data[2])
			}
			return
		}
		r.registry.clearMessage(msg)

	case ActionRequest:
		if len(msg.Data) < 3 {
			return
		}
		r.handleRequest(msg.Data[0], msg.Data[1], msg.Data[2])

	case ActionResponse:
		if len(msg.Data) < 3 {
			return
		}
		data, err := parseTyped(msg.Data[2])
		if err != nil {
			r.complete(msg.Data[1], RpcResult{success: false, data: err.Error()})
			return
		}
		r.complete(msg.Data[1], RpcResult{success: true, data: data})

	case ActionError:
		if len(msg.Data) < 3 {
			return
		}
		r.complete(msg.Data[2], RpcResult{success: false, data: msg.Data[0]})

	default:
		r.client.onError(TopicRPC, EventUnsolicitedMessage, msg.Action.Name())
	}
}

func (r *RpcHandler) handleRequest(rpcName, correlationID, rawData string) {
	r.mu.Lock()
	provider := r.providers[rpcName]
	r.mu.Unlock()

	if provider == nil {
		r.conn.sendMsg(TopicRPC, ActionRejection, rpcName, correlationID)
		return
	}

	data, err := parseTyped(rawData)
	if err != nil {
		r.client.onError(TopicRPC, EventMessageParseError, err.Error())
		r.conn.sendMsg(TopicRPC, ActionRejection, rpcName, correlationID)
		return
	}

	provider(rpcName, data, newRpcResponse(r.conn, rpcName, correlationID))
}

func (r *RpcHandler) resubscribe() {
	r.mu.Lock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.conn.sendMsg(TopicRPC, ActionSubscribe, name)
	}
}

// RpcResponse lets a provider answer a single inbound request. The request
// is acknowledged implicitly on construction.
type RpcResponse struct {
	conn          messageSender
	name          string
	correlationID string

	mu           sync.Mutex
	acknowledged bool
	completed    bool
}

func newRpcResponse(conn messageSender, name, correlationID string) *RpcResponse {
	r := &RpcResponse{conn: conn, name: name, correlationID: correlationID}
	r.Ack()
	return r
}

// Ack acknowledges receipt of the request. Idempotent; it normally happens
// implicitly when the response object is created.
func (r *RpcResponse) Ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acknowledged {
		return
	}
	r.acknowledged = true
	r.conn.sendMsg(TopicRPC, ActionAck, string(ActionRequest), r.name, r.correlationID)
}

// Send completes the request with a response payload.
func (r *RpcResponse) Send(data any) error {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return fmt.Errorf("RPC %s already completed", r.name)
	}
	r.completed = true
	r.mu.Unlock()

	r.conn.sendMsg(TopicRPC, ActionResponse, r.name, r.correlationID, typed(data))
	return nil
}

// Reject declines the request so the hub can route it to another provider.
func (r *RpcResponse) Reject() {
	r.mu.Lock()
	r.completed = true
	r.acknowledged = true
	r.mu.Unlock()
	r.conn.sendMsg(TopicRPC, ActionRejection, r.name, r.correlationID)
}

// Error completes the request with an error the caller receives verbatim.
func (r *RpcResponse) Error(message string) {
	r.mu.Lock()
	r.completed = true
	r.acknowledged = true
	r.mu.Unlock()
	r.conn.sendMsg(TopicRPC, ActionError, message, r.name, r.correlationID)
}
