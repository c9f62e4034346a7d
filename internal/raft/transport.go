package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrPeerUnavailable = errors.New("raft: peer unavailable")

// Transport delivers consensus RPCs to peers. Implementations carry
// the wire encoding; the node only sees the message structs.
type Transport interface {
	AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, peerID string, req RequestVoteRequest) (RequestVoteResponse, error)
}

// RPCHandler is the receiving side of the transport, implemented by
// the node.
type RPCHandler interface {
	HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse
	HandleRequestVote(req RequestVoteRequest) RequestVoteResponse
}

// InmemTransport wires a cluster together in one process. Each node
// talks through a sender-bound View; Disconnect cuts a node off in
// both directions, which is how tests simulate crashes and partitions.
type InmemTransport struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
	down     map[string]bool
}

func NewInmemTransport() *InmemTransport {
	return &InmemTransport{
		handlers: make(map[string]RPCHandler),
		down:     make(map[string]bool),
	}
}

func (t *InmemTransport) Attach(id string, h RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// View returns the transport as seen from one node.
func (t *InmemTransport) View(senderID string) Transport {
	return &inmemView{net: t, sender: senderID}
}

// Disconnect drops all traffic to and from the node until Reconnect.
func (t *InmemTransport) Disconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = true
}

func (t *InmemTransport) Reconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.down, id)
}

func (t *InmemTransport) handler(senderID, peerID string) (RPCHandler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.down[senderID] || t.down[peerID] {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, peerID)
	}
	h, ok := t.handlers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, peerID)
	}
	return h, nil
}

type inmemView struct {
	net    *InmemTransport
	sender string
}

func (v *inmemView) AppendEntries(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	if err := ctx.Err(); err != nil {
		return AppendEntriesResponse{}, err
	}
	h, err := v.net.handler(v.sender, peerID)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(req), nil
}

func (v *inmemView) RequestVote(ctx context.Context, peerID string, req RequestVoteRequest) (RequestVoteResponse, error) {
	if err := ctx.Err(); err != nil {
		return RequestVoteResponse{}, err
	}
	h, err := v.net.handler(v.sender, peerID)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(req), nil
}
