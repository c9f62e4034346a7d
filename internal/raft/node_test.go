package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/inquest/internal/storage"
	"github.com/danmuck/inquest/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func testConfig(id string, peers []string) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	}
}

type cluster struct {
	t      *testing.T
	net    *InmemTransport
	nodes  map[string]*Node
	cancel context.CancelFunc

	mu      sync.Mutex
	applied map[string][]Entry
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()
	testlog.Start(t)

	c := &cluster{
		t:       t,
		net:     NewInmemTransport(),
		nodes:   make(map[string]*Node),
		applied: make(map[string][]Entry),
	}
	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i+1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, id := range ids {
		peers := make([]string, 0, size-1)
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		id := id
		apply := func(e Entry) {
			c.mu.Lock()
			c.applied[id] = append(c.applied[id], e)
			c.mu.Unlock()
		}
		n, err := NewNode(testConfig(id, peers), NewMemoryLog(), c.net.View(id), apply, zerolog.Nop())
		if err != nil {
			t.Fatalf("new node %s: %v", id, err)
		}
		c.net.Attach(id, n)
		c.nodes[id] = n
		n.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for _, n := range c.nodes {
			n.Wait()
		}
	})
	return c
}

func (c *cluster) appliedCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied[id])
}

func (c *cluster) appliedEntry(id string, i int) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[id][i]
}

// leader returns the single live leader, failing if two nodes claim
// the same term.
func (c *cluster) leader() (*Node, bool) {
	byTerm := make(map[uint64]string)
	var leader *Node
	for id, n := range c.nodes {
		st := n.Status()
		if st.Role != RoleLeader {
			continue
		}
		if other, ok := byTerm[st.Term]; ok {
			c.t.Fatalf("two leaders for term %d: %s and %s", st.Term, other, id)
		}
		byTerm[st.Term] = id
		if leader == nil || st.Term > leader.Status().Term {
			leader = n
		}
	}
	return leader, leader != nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (c *cluster) waitLeader(timeout time.Duration) *Node {
	c.t.Helper()
	var n *Node
	waitFor(c.t, timeout, "leader election", func() bool {
		var ok bool
		n, ok = c.leader()
		return ok
	})
	return n
}

func TestLeaderElection(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)

	st := leader.Status()
	if st.Term == 0 {
		t.Fatal("leader at term 0")
	}
	waitFor(t, 2*time.Second, "followers to learn the leader", func() bool {
		for _, n := range c.nodes {
			if n.Status().LeaderID != st.ID {
				return false
			}
		}
		return true
	})
}

func TestProposeReplicatesInOrder(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)

	payloads := []string{"submitted", "started", "step_completed"}
	for _, p := range payloads {
		if _, err := leader.Propose([]byte(p)); err != nil {
			t.Fatalf("propose %q: %v", p, err)
		}
	}

	waitFor(t, 3*time.Second, "replication to all nodes", func() bool {
		for id := range c.nodes {
			if c.appliedCount(id) < len(payloads) {
				return false
			}
		}
		return true
	})
	for id := range c.nodes {
		for i, p := range payloads {
			e := c.appliedEntry(id, i)
			if string(e.Payload) != p || e.Index != uint64(i+1) {
				t.Fatalf("%s applied %q at %d, want %q", id, e.Payload, e.Index, p)
			}
		}
	}
}

func TestFollowerRejectsPropose(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)

	for id, n := range c.nodes {
		if id == leader.Status().ID {
			continue
		}
		if _, err := n.Propose([]byte("x")); !errors.Is(err, ErrNotLeader) {
			t.Fatalf("follower %s accepted a proposal: %v", id, err)
		}
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3)
	old := c.waitLeader(3 * time.Second)
	oldID := old.Status().ID

	if _, err := old.Propose([]byte("before")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitFor(t, 2*time.Second, "initial commit", func() bool {
		for id := range c.nodes {
			if id != oldID && c.appliedCount(id) < 1 {
				return false
			}
		}
		return true
	})

	oldTerm := old.Status().Term
	c.net.Disconnect(oldID)
	var fresh *Node
	waitFor(t, 3*time.Second, "replacement leader", func() bool {
		for id, n := range c.nodes {
			st := n.Status()
			if id != oldID && st.Role == RoleLeader && st.Term > oldTerm {
				fresh = n
				return true
			}
		}
		return false
	})

	if _, err := fresh.Propose([]byte("after")); err != nil {
		t.Fatalf("propose on new leader: %v", err)
	}
	waitFor(t, 2*time.Second, "commit without old leader", func() bool {
		for id := range c.nodes {
			if id != oldID && c.appliedCount(id) < 2 {
				return false
			}
		}
		return true
	})

	// The deposed leader rejoins, steps down, and catches up.
	c.net.Reconnect(oldID)
	waitFor(t, 3*time.Second, "old leader to step down and catch up", func() bool {
		st := old.Status()
		return st.Role != RoleLeader && c.appliedCount(oldID) >= 2
	})
	if got := string(c.appliedEntry(oldID, 1).Payload); got != "after" {
		t.Fatalf("old leader applied %q, want %q", got, "after")
	}
}

func TestMinorityPartitionStallsCommit(t *testing.T) {
	c := newCluster(t, 3)
	old := c.waitLeader(3 * time.Second)
	oldID := old.Status().ID

	if _, err := old.Propose([]byte("base")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitFor(t, 2*time.Second, "baseline commit", func() bool {
		for id := range c.nodes {
			if c.appliedCount(id) < 1 {
				return false
			}
		}
		return true
	})

	oldTerm := old.Status().Term
	stalled := old.Status().CommitIndex
	c.net.Disconnect(oldID)

	// The partitioned leader may still append, but with no quorum the
	// entry must never commit.
	if _, err := old.Propose([]byte("lost")); err != nil && !errors.Is(err, ErrNotLeader) {
		t.Fatalf("propose on partitioned leader: %v", err)
	}

	var fresh *Node
	waitFor(t, 3*time.Second, "majority leader", func() bool {
		for id, n := range c.nodes {
			st := n.Status()
			if id != oldID && st.Role == RoleLeader && st.Term > oldTerm {
				fresh = n
				return true
			}
		}
		return false
	})
	if _, err := fresh.Propose([]byte("quorum")); err != nil {
		t.Fatalf("propose on majority leader: %v", err)
	}
	waitFor(t, 2*time.Second, "majority commit", func() bool {
		for id := range c.nodes {
			if id != oldID && c.appliedCount(id) < 2 {
				return false
			}
		}
		return true
	})

	if got := old.Status().CommitIndex; got != stalled {
		t.Fatalf("minority commit index moved from %d to %d", stalled, got)
	}
	if got := c.appliedCount(oldID); got != 1 {
		t.Fatalf("minority side applied %d entries, want 1", got)
	}
}

func TestStaleLeaderLeaseIsRevoked(t *testing.T) {
	c := newCluster(t, 3)
	old := c.waitLeader(3 * time.Second)
	oldID := old.Status().ID

	lease, term, ok := old.Leadership()
	if !ok {
		t.Fatal("leader reported no lease")
	}

	c.net.Disconnect(oldID)
	waitFor(t, 3*time.Second, "replacement leader", func() bool {
		for id, n := range c.nodes {
			if id != oldID && n.Status().Role == RoleLeader {
				return true
			}
		}
		return false
	})

	// Rejoining after losing the election must revoke the lease so a
	// stale dispatcher cannot keep running.
	c.net.Reconnect(oldID)
	waitFor(t, 3*time.Second, "lease revocation", func() bool {
		select {
		case <-lease.Done():
			return true
		default:
			return false
		}
	})
	if _, newTerm, stillLeader := old.Leadership(); stillLeader && newTerm == term {
		t.Fatal("deposed node still holds its old lease")
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	c := newCluster(t, 1)
	leader := c.waitLeader(2 * time.Second)

	e, err := leader.Propose([]byte("solo"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if e.Index != 1 {
		t.Fatalf("unexpected index %d", e.Index)
	}
	waitFor(t, time.Second, "single-node apply", func() bool {
		return c.appliedCount(leader.Status().ID) == 1
	})
}

func TestVoteDeniedToStaleLog(t *testing.T) {
	testlog.Start(t)
	store := NewMemoryLog()
	n, err := NewNode(testConfig("solo", nil), store, NewInmemTransport().View("solo"), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	seed := AppendEntriesRequest{
		Term:     1,
		LeaderID: "l1",
		Entries: []Entry{
			{Index: 1, Term: 1, Payload: []byte("a")},
			{Index: 2, Term: 1, Payload: []byte("b")},
		},
	}
	if resp := n.HandleAppendEntries(seed); !resp.Success {
		t.Fatalf("seed append rejected: %+v", resp)
	}

	stale := n.HandleRequestVote(RequestVoteRequest{
		Term: 2, CandidateID: "c1", LastLogIndex: 1, LastLogTerm: 1,
	})
	if stale.VoteGranted {
		t.Fatal("vote granted to candidate with shorter log")
	}

	fresh := n.HandleRequestVote(RequestVoteRequest{
		Term: 3, CandidateID: "c2", LastLogIndex: 2, LastLogTerm: 1,
	})
	if !fresh.VoteGranted {
		t.Fatalf("vote denied to up-to-date candidate: %+v", fresh)
	}

	// Already voted for c2 in term 3.
	rival := n.HandleRequestVote(RequestVoteRequest{
		Term: 3, CandidateID: "c3", LastLogIndex: 9, LastLogTerm: 2,
	})
	if rival.VoteGranted {
		t.Fatal("double vote in one term")
	}
}

func TestConflictingSuffixTruncated(t *testing.T) {
	testlog.Start(t)
	store := NewMemoryLog()
	n, err := NewNode(testConfig("f1", nil), store, NewInmemTransport().View("f1"), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	n.HandleAppendEntries(AppendEntriesRequest{
		Term:     1,
		LeaderID: "l1",
		Entries: []Entry{
			{Index: 1, Term: 1, Payload: []byte("keep")},
			{Index: 2, Term: 1, Payload: []byte("orphan")},
		},
	})

	// A new leader overwrites the uncommitted suffix.
	resp := n.HandleAppendEntries(AppendEntriesRequest{
		Term:         2,
		LeaderID:     "l2",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []Entry{{Index: 2, Term: 2, Payload: []byte("replace")}},
		LeaderCommit: 2,
	})
	if !resp.Success {
		t.Fatalf("append rejected: %+v", resp)
	}
	e, err := store.Entry(2)
	if err != nil {
		t.Fatalf("entry 2: %v", err)
	}
	if e.Term != 2 || string(e.Payload) != "replace" {
		t.Fatalf("conflicting entry survived: %+v", e)
	}

	// A gap in the log must be rejected, not silently accepted.
	gap := n.HandleAppendEntries(AppendEntriesRequest{
		Term:         2,
		LeaderID:     "l2",
		PrevLogIndex: 5,
		PrevLogTerm:  2,
		Entries:      []Entry{{Index: 6, Term: 2, Payload: []byte("x")}},
	})
	if gap.Success {
		t.Fatal("append across a log gap succeeded")
	}
}

func TestBadgerLogPersistence(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	openLog := func() (*BadgerLog, func()) {
		db, err := storage.Open(storage.Config{Path: dir}, zerolog.Nop())
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		l, err := NewBadgerLog(db)
		if err != nil {
			t.Fatalf("new badger log: %v", err)
		}
		return l, func() { _ = db.Close() }
	}

	l, closeDB := openLog()
	if err := l.SetState(3, "node-2"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	entries := []Entry{
		{Index: 1, Term: 1, Payload: []byte("a")},
		{Index: 2, Term: 2, Payload: []byte("b")},
		{Index: 3, Term: 3, Payload: []byte("c")},
	}
	if err := l.Append(entries...); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.TruncateFrom(3); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	closeDB()

	l, closeDB = openLog()
	defer closeDB()
	term, voted, err := l.State()
	if err != nil || term != 3 || voted != "node-2" {
		t.Fatalf("state after reopen: term=%d voted=%q err=%v", term, voted, err)
	}
	idx, lterm, err := l.LastIndexTerm()
	if err != nil || idx != 2 || lterm != 2 {
		t.Fatalf("tail after reopen: idx=%d term=%d err=%v", idx, lterm, err)
	}
	got, err := l.Entries(1, 2)
	if err != nil || len(got) != 2 || string(got[1].Payload) != "b" {
		t.Fatalf("entries after reopen: %+v err=%v", got, err)
	}
}
