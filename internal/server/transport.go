package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/inquest/internal/raft"
)

// HTTPTransport carries consensus RPCs between nodes over the same
// HTTP surface the API runs on.
type HTTPTransport struct {
	peers  map[string]string
	client *http.Client
}

func NewHTTPTransport(peers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		peers:  peers,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, peerID string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	err := t.post(ctx, peerID, "/raft/append-entries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) RequestVote(ctx context.Context, peerID string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	var resp raft.RequestVoteResponse
	err := t.post(ctx, peerID, "/raft/request-vote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, peerID, path string, in, out any) error {
	addr, ok := t.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", raft.ErrPeerUnavailable, peerID)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("server: encode rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("server: build rpc: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", raft.ErrPeerUnavailable, peerID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", raft.ErrPeerUnavailable, peerID, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("server: decode rpc response: %w", err)
	}
	return nil
}
