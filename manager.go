package lease

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// spaceName is the paxos space all tickets share.
const spaceName = "paxoslease"

// Manager owns the ticket registry and the paxos callback surface. It is the
// Go rendition of the original single-threaded event loop: one mutex
// serializes the public API, timer fires and incoming messages, and every
// paxos callback runs to completion inside that domain, so there is no torn
// update between a timer fire and a protocol step.
type Manager struct {
	*Config
	mu      sync.Mutex
	myid    int32
	space   Space
	tickets map[Instance]*Ticket
}

// New creates the manager and performs the one-time paxos space
// initialization, wiring the eight lease callbacks. The manager owns the
// callback table and space handle for its whole lifetime; nothing shared is
// torn down when individual tickets exit.
func New(config *Config) (*Manager, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	m := &Manager{
		Config:  config,
		myid:    config.Cluster.MyID(),
		tickets: make(map[Instance]*Ticket),
	}
	space, err := config.Engine.SpaceInit(spaceName, config.ClusterSize,
		HeaderLen, ValueLen, config.Roles, config.Cluster, &paxosCallbacks{m})
	if err != nil {
		m.Logger.WithError(err).Error("failed to initialize paxos space")
		return nil, errors.WithMessage(ErrSpaceInit, err.Error())
	}
	m.space = space
	return m, nil
}

// Init adds a ticket instance to the manager. The ticket starts unowned; prio
// is handed through to the engine's instance init.
func (m *Manager) Init(name string, expiry time.Duration, failover bool, prio []int) (*Ticket, error) {
	if len(name) > NameMax {
		m.Logger.Errorf("length of ticket name is too long (%d)", len(name))
		return nil, ErrNameTooLong
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Ticket{
		name:     name,
		owner:    None,
		expiry:   expiry,
		failover: failover,
	}
	inst, err := m.Engine.InstanceInit(m.space, name, prio)
	if err != nil {
		m.Logger.WithError(err).Error("failed to initialize paxos instance")
		return nil, errors.WithMessage(ErrInstanceInit, err.Error())
	}
	t.inst = inst
	m.tickets[inst] = t
	return t, nil
}

// Acquire initiates a GRANT proposal naming the local site as owner. clear
// tells acceptors whether to overwrite a locally remembered released lease.
// If ownership is not established by expiry/10 and the ticket is still
// unowned, one fresh round is retried. Returns the paxos round on success.
func (m *Manager) Acquire(t *Ticket, clear int32, renew bool, onDone DoneFunc) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquire(t, clear, renew, onDone)
}

func (m *Manager) acquire(t *Ticket, clear int32, renew bool, onDone DoneFunc) (int32, error) {
	value, err := encodeValue(Value{Name: t.name, Owner: m.myid, Expiry: seconds(t.expiry)})
	if err != nil {
		return -1, err
	}
	t.renew = renew
	t.onDone = onDone

	t.action = Action{Op: OpStart, Clear: clear}
	round, err := m.Engine.RoundRequest(t.inst, value, m.endRequest)
	if err != nil {
		// the round never started, so there is nothing for the retry
		// timer to finish
		m.Logger.WithError(err).Errorf("round request for ticket %s", t.name)
		return -1, err
	}

	t.proposer.timerRetry.stop()
	t.proposer.timerRetry = m.armTimer(t.expiry/10, func() { m.leaseRetry(t) })
	if round > 0 {
		t.proposer.round = round
	}
	return round, nil
}

// Release drives a STOP proposal carrying a zeroed value. Only valid when the
// local site is the current owner.
func (m *Manager) Release(t *Ticket, onDone DoneFunc) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Logger.Debug("enter release")
	if t.owner != m.myid {
		m.Logger.Error("can not release the lease because I'm not the lease owner")
		return -1, ErrNotOwner
	}

	value, err := encodeValue(Value{Name: t.name})
	if err != nil {
		return -1, err
	}
	t.onDone = onDone

	t.action = Action{Op: OpStop}
	round, err := m.Engine.RoundRequest(t.inst, value, m.endRequest)
	if err != nil {
		m.Logger.WithError(err).Errorf("round request for ticket %s", t.name)
		return -1, err
	}
	if round > 0 {
		t.proposer.round = round
	}
	m.Logger.Debug("exit release")
	return round, nil
}

// StatusRecovery reconstructs ticket state after a process restart. Once the
// engine reports the instance as recovering, renewal is forced on and the
// engine's catch-up is driven; on success the recovering flag clears.
func (m *Manager) StatusRecovery(t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Engine.RecoveryStatus(t.inst) {
		return nil
	}
	t.renew = true
	if err := m.Engine.Catchup(t.inst); err != nil {
		return err
	}
	m.Engine.SetRecoveryStatus(t.inst, false)
	return nil
}

// OnReceive forwards an incoming message into the engine's dispatcher.
func (m *Manager) OnReceive(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Engine.Recvmsg(buf)
}

// Exit tears down a ticket: cancels all four timers and drops it from the
// registry. The paxos space stays up for the remaining tickets.
func (m *Manager) Exit(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.proposer.timerRenew.stop()
	t.proposer.timerRenew = nil
	t.proposer.timerRetry.stop()
	t.proposer.timerRetry = nil
	t.acceptor.timerNew.stop()
	t.acceptor.timerNew = nil
	t.acceptor.timerCurrent.stop()
	t.acceptor.timerCurrent = nil
	delete(m.tickets, t.inst)
}

// Status reports the ticket's current owner, grant state and expiry time.
func (m *Manager) Status(t *Ticket) (owner, release int32, expires time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.owner, t.release, t.expires
}

// endRequest is the completion callback handed to every round request.
func (m *Manager) endRequest(inst Instance, round int32, result int) {
	t, ok := m.ticket(inst)
	if !ok {
		return
	}
	if round != t.proposer.round {
		m.Logger.Errorf("current paxos round is not the proposer round, "+
			"current round: %d, proposer round: %d", round, t.proposer.round)
		return
	}
	if t.onDone != nil {
		t.onDone(t, result)
	}
}

// ticket resolves the registered ticket for a paxos handle.
func (m *Manager) ticket(inst Instance) (*Ticket, bool) {
	t, ok := m.tickets[inst]
	if !ok {
		m.Logger.Errorf("could not find the ticket for paxos handle: %v", inst)
	}
	return t, ok
}

// notify hands a committed result to the store. Best effort; the store's
// failures are its own responsibility.
func (m *Manager) notify(r Result) {
	if err := m.Store.Notify(r); err != nil {
		m.Logger.WithFields(logrus.Fields{
			"name":   r.Name,
			"ballot": r.Ballot,
		}).WithError(err).Error("notify ticket store")
	}
}
