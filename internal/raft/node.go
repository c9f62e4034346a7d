package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/inquest/internal/observability"
	"github.com/rs/zerolog"
)

const (
	defaultElectionTimeoutMin = 150 * time.Millisecond
	defaultElectionTimeoutMax = 300 * time.Millisecond
	defaultHeartbeatInterval  = 50 * time.Millisecond
	defaultTickInterval       = 10 * time.Millisecond
)

// roleGauge maps roles to the metric gauge values.
var roleGauge = map[string]int{
	RoleFollower:  0,
	RoleCandidate: 1,
	RoleLeader:    2,
}

type Config struct {
	// ID is this node's identity in the cluster.
	ID string
	// Peers lists the other node IDs. Empty runs a single-node cluster
	// that commits immediately.
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	TickInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = defaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
}

// Apply receives committed entries exactly once per node, in log order.
type Apply func(Entry)

// Status is a point-in-time view of the node for health reporting.
type Status struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LastIndex   uint64 `json:"last_index"`
}

// Node is one member of the conductor cluster.
type Node struct {
	cfg       Config
	store     LogStore
	transport Transport
	apply     Apply
	logger    zerolog.Logger

	mu               sync.Mutex
	role             string
	term             uint64
	votedFor         string
	leaderID         string
	commitIndex      uint64
	lastApplied      uint64
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	inflight         map[string]bool
	electionDeadline time.Time
	lastBroadcast    time.Time
	leaseCtx         context.Context
	leaseCancel      context.CancelFunc
	rng              *rand.Rand

	// applyMu serializes delivery to the apply callback.
	applyMu sync.Mutex

	wg sync.WaitGroup
}

func NewNode(cfg Config, store LogStore, transport Transport, apply Apply, logger zerolog.Logger) (*Node, error) {
	cfg.applyDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("raft: node id required")
	}
	term, votedFor, err := store.State()
	if err != nil {
		return nil, fmt.Errorf("raft: load durable state: %w", err)
	}
	n := &Node{
		cfg:        cfg,
		store:      store,
		transport:  transport,
		apply:      apply,
		logger:     logger.With().Str("node", cfg.ID).Logger(),
		role:       RoleFollower,
		term:       term,
		votedFor:   votedFor,
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		inflight:   make(map[string]bool),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n.resetElectionTimerLocked()
	return n, nil
}

// Start runs the node until ctx is cancelled.
func (n *Node) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.run(ctx)
}

// Wait blocks until the run loop has exited.
func (n *Node) Wait() { n.wg.Wait() }

func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			if n.leaseCancel != nil {
				n.leaseCancel()
			}
			n.role = RoleFollower
			n.mu.Unlock()
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.role {
	case RoleLeader:
		if time.Since(n.lastBroadcast) >= n.cfg.HeartbeatInterval {
			n.lastBroadcast = time.Now()
			n.broadcastLocked()
		}
	default:
		if time.Now().After(n.electionDeadline) {
			n.startElectionLocked()
		}
	}
}

func (n *Node) resetElectionTimerLocked() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	jitter := time.Duration(n.rng.Int63n(int64(span) + 1))
	n.electionDeadline = time.Now().Add(n.cfg.ElectionTimeoutMin + jitter)
}

func (n *Node) majority() int { return (len(n.cfg.Peers)+1)/2 + 1 }

// Status reports the node's current view for the health endpoint.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIdx, _, _ := n.store.LastIndexTerm()
	return Status{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.term,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   lastIdx,
	}
}

// Leadership returns the current dispatch lease. The context is
// cancelled the moment this node stops being leader for the returned
// term, so work scoped to it can never outlive the term.
func (n *Node) Leadership() (context.Context, uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.leaseCtx == nil {
		return nil, n.term, false
	}
	return n.leaseCtx, n.term, true
}

// Propose appends a payload to the replicated log. Only the leader
// accepts proposals; followers return ErrNotLeader with the current
// leader's id in the message so clients can redirect.
func (n *Node) Propose(payload []byte) (Entry, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		leader := n.leaderID
		n.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: leader is %q", ErrNotLeader, leader)
	}
	lastIdx, _, err := n.store.LastIndexTerm()
	if err != nil {
		n.mu.Unlock()
		return Entry{}, err
	}
	e := Entry{Index: lastIdx + 1, Term: n.term, Payload: payload}
	if err := n.store.Append(e); err != nil {
		n.mu.Unlock()
		return Entry{}, err
	}
	n.advanceCommitLocked()
	n.lastBroadcast = time.Now()
	n.broadcastLocked()
	n.mu.Unlock()

	n.applyCommitted()
	return e, nil
}

func (n *Node) setTermLocked(term uint64, votedFor string) {
	n.term = term
	n.votedFor = votedFor
	if err := n.store.SetState(term, votedFor); err != nil {
		// Losing durable term state risks double voting after a
		// restart. Surface loudly; the node keeps running on the
		// in-memory term.
		n.logger.Error().Err(err).Uint64("term", term).Msg("persist_term_failed")
	}
	observability.RecordRaftTerm(n.cfg.ID, term)
}

// stepDownLocked moves the node to follower, adopting term when it is
// newer than ours.
func (n *Node) stepDownLocked(term uint64, leader string) {
	if term > n.term {
		n.setTermLocked(term, "")
	}
	if n.leaseCancel != nil {
		n.leaseCancel()
		n.leaseCancel = nil
		n.leaseCtx = nil
	}
	if n.role != RoleFollower {
		n.logger.Info().Uint64("term", n.term).Str("leader", leader).Msg("step_down")
	}
	n.role = RoleFollower
	n.leaderID = leader
	n.resetElectionTimerLocked()
	observability.RecordRaftRole(n.cfg.ID, roleGauge[RoleFollower])
}

func (n *Node) startElectionLocked() {
	n.setTermLocked(n.term+1, n.cfg.ID)
	n.role = RoleCandidate
	n.leaderID = ""
	n.resetElectionTimerLocked()
	observability.RecordRaftRole(n.cfg.ID, roleGauge[RoleCandidate])

	lastIdx, lastTerm, err := n.store.LastIndexTerm()
	if err != nil {
		n.logger.Error().Err(err).Msg("election_log_read_failed")
		return
	}
	term := n.term
	n.logger.Info().Uint64("term", term).Msg("election_started")

	votes := 1
	if votes >= n.majority() {
		n.becomeLeaderLocked()
		return
	}
	req := RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.cfg.Peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()
			resp, err := n.transport.RequestVote(ctx, peer, req)
			if err != nil {
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if resp.Term > n.term {
				n.stepDownLocked(resp.Term, "")
				return
			}
			if n.role != RoleCandidate || n.term != term || !resp.VoteGranted {
				return
			}
			votes++
			if votes >= n.majority() {
				n.becomeLeaderLocked()
			}
		}(peer)
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderID = n.cfg.ID
	lastIdx, _, _ := n.store.LastIndexTerm()
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = lastIdx + 1
		n.matchIndex[peer] = 0
	}
	n.leaseCtx, n.leaseCancel = context.WithCancel(context.Background())
	n.logger.Info().Uint64("term", n.term).Msg("leadership_acquired")
	observability.RecordRaftRole(n.cfg.ID, roleGauge[RoleLeader])
	n.lastBroadcast = time.Now()
	n.broadcastLocked()
}

func (n *Node) broadcastLocked() {
	for _, peer := range n.cfg.Peers {
		if n.inflight[peer] {
			continue
		}
		n.inflight[peer] = true
		go n.replicate(peer, n.term)
	}
}

// replicate drives one peer toward the leader's log tail. One
// replication round per peer runs at a time.
func (n *Node) replicate(peer string, term uint64) {
	defer func() {
		n.mu.Lock()
		n.inflight[peer] = false
		n.mu.Unlock()
	}()

	n.mu.Lock()
	if n.role != RoleLeader || n.term != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		e, err := n.store.Entry(prevIndex)
		if err != nil {
			n.logger.Error().Err(err).Str("peer", peer).Msg("replicate_log_read_failed")
			n.mu.Unlock()
			return
		}
		prevTerm = e.Term
	}
	lastIdx, _, _ := n.store.LastIndexTerm()
	var entries []Entry
	if lastIdx >= next {
		var err error
		entries, err = n.store.Entries(next, lastIdx)
		if err != nil {
			n.logger.Error().Err(err).Str("peer", peer).Msg("replicate_log_read_failed")
			n.mu.Unlock()
			return
		}
	}
	req := AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
	defer cancel()
	resp, err := n.transport.AppendEntries(ctx, peer, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	if resp.Term > n.term {
		n.stepDownLocked(resp.Term, "")
		n.mu.Unlock()
		return
	}
	if n.role != RoleLeader || n.term != term {
		n.mu.Unlock()
		return
	}
	if !resp.Success {
		// Walk nextIndex back until logs agree.
		if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
		n.mu.Unlock()
		return
	}
	if resp.MatchIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = resp.MatchIndex
	}
	n.nextIndex[peer] = n.matchIndex[peer] + 1
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.applyCommitted()
}

// advanceCommitLocked moves commitIndex to the highest entry from the
// current term that a majority holds. Entries from older terms commit
// implicitly once a current-term entry commits past them.
func (n *Node) advanceCommitLocked() {
	lastIdx, _, err := n.store.LastIndexTerm()
	if err != nil {
		return
	}
	for idx := lastIdx; idx > n.commitIndex; idx-- {
		e, err := n.store.Entry(idx)
		if err != nil || e.Term != n.term {
			continue
		}
		count := 1
		for _, peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.majority() {
			for i := n.commitIndex; i < idx; i++ {
				observability.RecordCommit(n.cfg.ID)
			}
			n.commitIndex = idx
			break
		}
	}
}

// applyCommitted delivers newly committed entries to the apply
// callback, strictly in log order.
func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		next := n.lastApplied + 1
		e, err := n.store.Entry(next)
		if err != nil {
			n.logger.Error().Err(err).Uint64("index", next).Msg("apply_log_read_failed")
			n.mu.Unlock()
			return
		}
		n.lastApplied = next
		n.mu.Unlock()
		if n.apply != nil {
			n.apply(e)
		}
	}
}

// HandleAppendEntries is the follower side of replication.
func (n *Node) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()
	resp := AppendEntriesResponse{Term: n.term}
	if req.Term < n.term {
		n.mu.Unlock()
		return resp
	}
	if req.Term > n.term || n.role != RoleFollower {
		n.stepDownLocked(req.Term, req.LeaderID)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()
	resp.Term = n.term

	if req.PrevLogIndex > 0 {
		e, err := n.store.Entry(req.PrevLogIndex)
		if err != nil || e.Term != req.PrevLogTerm {
			n.mu.Unlock()
			return resp
		}
	}
	for _, e := range req.Entries {
		existing, err := n.store.Entry(e.Index)
		if err == nil {
			if existing.Term == e.Term {
				continue
			}
			// Conflicting suffix from a deposed leader: drop it.
			if err := n.store.TruncateFrom(e.Index); err != nil {
				n.logger.Error().Err(err).Uint64("index", e.Index).Msg("truncate_failed")
				n.mu.Unlock()
				return resp
			}
		}
		if err := n.store.Append(e); err != nil {
			n.logger.Error().Err(err).Uint64("index", e.Index).Msg("append_failed")
			n.mu.Unlock()
			return resp
		}
	}
	match := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		lastIdx, _, _ := n.store.LastIndexTerm()
		n.commitIndex = min(req.LeaderCommit, lastIdx)
	}
	resp.Success = true
	resp.MatchIndex = match
	n.mu.Unlock()

	n.applyCommitted()
	return resp
}

// HandleRequestVote is the receiver side of elections.
func (n *Node) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := RequestVoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term, "")
		resp.Term = n.term
	}
	lastIdx, lastTerm, err := n.store.LastIndexTerm()
	if err != nil {
		return resp
	}
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		n.setTermLocked(n.term, req.CandidateID)
		n.resetElectionTimerLocked()
		resp.VoteGranted = true
	}
	return resp
}
