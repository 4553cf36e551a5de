package lease

import "errors"

var (
	// ErrNameTooLong is returned by Init when the ticket name exceeds NameMax.
	ErrNameTooLong = errors.New("lease: ticket name too long")

	// ErrSpaceInit is returned by New when the paxos space could not be created.
	ErrSpaceInit = errors.New("lease: paxos space init failed")

	// ErrInstanceInit is returned by Init when the paxos instance could not be created.
	ErrInstanceInit = errors.New("lease: paxos instance init failed")

	// ErrUnknownHandle means a paxos callback arrived for an instance that has
	// no registered ticket. The engine treats it as a message drop.
	ErrUnknownHandle = errors.New("lease: no ticket for paxos handle")

	// ErrStaleRound means a callback addressed a round the ticket is no longer
	// running. Ticket state is left untouched.
	ErrStaleRound = errors.New("lease: round does not match")

	// ErrNotOwner is returned by Release when the local site does not hold the
	// ticket.
	ErrNotOwner = errors.New("lease: not the lease owner")

	// ErrProposalCollision is the master-lease refusal: an acceptor that still
	// observes a valid lease declines the competing prepare. Silent on the
	// wire; the proposer backs off.
	ErrProposalCollision = errors.New("lease: proposal collided")

	// ErrCatchupMissing means no peer could supply committed ticket state
	// during catch-up.
	ErrCatchupMissing = errors.New("lease: catch-up state unavailable")

	errNoAcceptedValue = errors.New("lease: no accepted value for round")
)
