package lease

import "time"

// Space is an opaque handle to a paxos space issued by the engine.
type Space interface{}

// Instance is an opaque per-ticket handle issued by the engine. Handles must
// be comparable; the manager keys its ticket registry on them.
type Instance interface{}

// RoundComplete is the engine's report that a requested round finished. A
// zero result means the round committed.
type RoundComplete func(inst Instance, round int32, result int)

// Callbacks is the surface the paxos engine drives at each protocol step.
// The engine invokes these only from within the manager's serialization
// domain: inside OnReceive, or synchronously from an engine call the manager
// itself made. Header and value buffers use the fixed layouts of wire.go;
// Promise writes the leased verdict back into the header buffer. An error
// return tells the engine to drop the message.
type Callbacks interface {
	Prepare(inst Instance, header []byte) error
	IsPrepared(inst Instance, header []byte) bool
	Promise(inst Instance, header []byte) error
	Propose(inst Instance, header []byte, round int32, value []byte) error
	Accepted(inst Instance, header []byte, round int32, value []byte) error
	Commit(inst Instance, header []byte, round int32) error
	Learned(inst Instance, header []byte, round int32) error
	Catchup(inst Instance) error
}

// Engine is the multi-decree paxos engine the manager consumes. RoundRequest
// initiates a fresh proposal round and reports the allocated ballot; Propose
// re-enters the accept phase to extend a held lease, allocating the next
// ballot after validating that round is still the instance's current one.
type Engine interface {
	SpaceInit(name string, nodes, headerLen, valueLen int, roles []uint8, cluster Cluster, cb Callbacks) (Space, error)
	InstanceInit(space Space, name string, prio []int) (Instance, error)
	RoundRequest(inst Instance, value []byte, onComplete RoundComplete) (int32, error)
	Propose(inst Instance, value []byte, round int32) (int32, error)
	Catchup(inst Instance) error
	RecoveryStatus(inst Instance) bool
	SetRecoveryStatus(inst Instance, recovering bool)
	Recvmsg(buf []byte) error
}

// Cluster is the transport and peer-state vtable supplied by the product.
type Cluster interface {
	// MyID returns the local site id.
	MyID() int32

	// Send unicasts to a peer.
	Send(peer int32, buf []byte) error

	// Broadcast delivers to all peers.
	Broadcast(buf []byte) error

	// Catchup contacts peers and returns the best-known committed state for
	// the named ticket.
	Catchup(name string) (owner, ballot int32, expires time.Time, err error)
}

// Result is a committed ticket state handed to the store. Owner None and a
// zero Expires denote a released or expired ticket.
type Result struct {
	Name    string
	Owner   int32
	Expires time.Time
	Ballot  int32
}

// Store persists committed ticket results and gossips them to the wider
// cluster. It must accept re-ordered ballots and keep the highest.
type Store interface {
	Notify(r Result) error
}
