// Package raft replicates an append-only log across conductor nodes.
// It implements leader election, log replication with majority commit,
// and a term-scoped leadership lease the dispatcher hangs work off.
//
// Ownership boundary: this package owns terms, votes, and log
// ordering. What the entries mean belongs to the state machine that
// consumes them.
package raft

import "errors"

const (
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
	RoleLeader    = "leader"
)

var (
	ErrNotLeader = errors.New("raft: not the leader")
	ErrStopped   = errors.New("raft: node stopped")
)

// Entry is one replicated log record. Index and Term are assigned by
// the leader that first appended it; Payload is opaque to consensus.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// AppendEntriesRequest carries heartbeats and log replication from the
// leader. An empty Entries slice is a pure heartbeat.
type AppendEntriesRequest struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries"`
	LeaderCommit uint64  `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// MatchIndex is the highest index known replicated on the follower
	// after a successful append.
	MatchIndex uint64 `json:"match_index"`
}

type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}
