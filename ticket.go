// Package lease implements the paxos-based lease (ticket) coordination core
// for a small cluster of sites. A ticket is a named, time-bounded,
// single-owner resource: at most one site holds it at any moment, and
// ownership is asserted by consensus rather than by a central authority.
package lease

import "time"

// Action is the operation being driven through the next paxos round. It only
// carries arguments into prepare and is zeroed once embedded in the outgoing
// header.
type Action struct {
	Op    int32
	Clear int32
}

// proposerState tracks the role this site plays when it initiates rounds.
// timerRenew holds either the renewal timer (renew mode) or the local expiry
// timer; timerRetry is the one-shot acquire retry.
type proposerState struct {
	round      int32
	value      Value
	haveValue  bool
	expires    time.Time
	timerRenew *leaseTimer
	timerRetry *leaseTimer
}

// acceptorState tracks the passive role. A freshly accepted round arms a
// tentative expiry into timerNew without destroying the still-valid expiry of
// the previously committed lease in timerCurrent; commit or learned promotes
// new to current.
type acceptorState struct {
	round        int32
	value        Value
	haveValue    bool
	expires      time.Time
	timerNew     *leaseTimer
	timerCurrent *leaseTimer
}

// DoneFunc is invoked when an in-flight acquire or release finishes. A zero
// result means the round committed.
type DoneFunc func(t *Ticket, result int)

// Ticket is one lease state machine. It outlives individual paxos rounds and
// is mutated only from within the manager's serialization domain.
type Ticket struct {
	name     string
	inst     Instance
	action   Action
	proposer proposerState
	acceptor acceptorState
	owner    int32
	expiry   time.Duration
	renew    bool
	failover bool
	release  int32
	expires  time.Time
	onDone   DoneFunc
}

// Name returns the ticket's identity.
func (t *Ticket) Name() string { return t.name }

func seconds(d time.Duration) int32 { return int32(d / time.Second) }
