package lease

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// paxosCallbacks adapts the manager onto the engine's callback surface. The
// engine invokes it from within the manager's serialization domain, so no
// additional locking happens here.
type paxosCallbacks struct {
	m *Manager
}

// phaseFuncs is one operation's handlers, one per protocol phase. Missing
// table entries mean an unknown op; the message is dropped.
type phaseFuncs struct {
	isPrepared func(m *Manager, hdr Header) bool
	promise    func(m *Manager, t *Ticket, hdr *Header) error
	propose    func(m *Manager, t *Ticket, round int32, v Value) error
	accepted   func(m *Manager, t *Ticket, hdr Header, round int32, v Value) error
	commit     func(m *Manager, t *Ticket, round int32) error
	learned    func(m *Manager, t *Ticket, round int32) error
}

var opTable = map[int32]phaseFuncs{
	OpStart: {
		isPrepared: startIsPrepared,
		promise:    startPromise,
		propose:    startPropose,
		accepted:   startAccepted,
		commit:     startCommit,
		learned:    startLearned,
	},
	OpStop: {
		isPrepared: stopIsPrepared,
		promise:    stopPromise,
		propose:    stopPropose,
		accepted:   stopAccepted,
		commit:     stopCommit,
		learned:    stopLearned,
	},
}

func (cb *paxosCallbacks) phase(header []byte) (Header, phaseFuncs, error) {
	hdr, err := decodeHeader(header)
	if err != nil {
		return Header{}, phaseFuncs{}, err
	}
	h, ok := opTable[hdr.Op]
	if !ok {
		cb.m.Logger.Errorf("unknown lease operation: %d", hdr.Op)
		return Header{}, phaseFuncs{}, errors.Errorf("lease: unknown operation %d", hdr.Op)
	}
	return hdr, h, nil
}

// Prepare fills the outgoing header from the pending action. The action only
// carries arguments into the round, so it is zeroed here and the next round
// starts clean.
func (cb *paxosCallbacks) Prepare(inst Instance, header []byte) error {
	m := cb.m
	m.Logger.Debug("enter prepare")
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}

	Header{Op: t.action.Op, Clear: t.action.Clear}.encode(header)
	t.action = Action{}
	return nil
}

// IsPrepared is the cheap pre-check before promise.
func (cb *paxosCallbacks) IsPrepared(inst Instance, header []byte) bool {
	m := cb.m
	m.Logger.Debug("enter is_prepared")
	hdr, h, err := cb.phase(header)
	if err != nil {
		return false
	}
	return h.isPrepared(m, hdr)
}

func startIsPrepared(m *Manager, hdr Header) bool {
	if hdr.Leased != 0 {
		m.Logger.Debug("already leased")
		return false
	}
	m.Logger.Debug("not leased")
	return true
}

func stopIsPrepared(m *Manager, hdr Header) bool { return true }

// Promise examines local lease state and writes the verdict back into the
// header buffer. An error refuses the prepare; the engine sends nothing.
func (cb *paxosCallbacks) Promise(inst Instance, header []byte) error {
	m := cb.m
	m.Logger.Debug("enter promise")
	hdr, h, err := cb.phase(header)
	if err != nil {
		return err
	}
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}
	err = h.promise(m, t, &hdr)
	hdr.encode(header)
	return err
}

func startPromise(m *Manager, t *Ticket, hdr *Header) error {
	switch {
	case hdr.Clear == NotClearRelease && t.release == Stopped:
		m.Logger.Debug("could not be leased")
		hdr.Leased = 1
	case t.owner == None:
		m.Logger.Debug("has not been leased")
		hdr.Leased = 0
	default:
		m.Logger.Debug("has been leased")
		hdr.Leased = 1
	}

	// Master lease: while a valid lease is observed, the acceptor answers
	// a competing prepare with silence and the proposer backs off.
	if hdr.Leased == 1 {
		m.Logger.WithField("ticket", t.name).Error("the proposal collided")
		return ErrProposalCollision
	}
	return nil
}

func stopPromise(m *Manager, t *Ticket, hdr *Header) error {
	// nothing to inspect, the ticket lookup was the whole check
	return nil
}

// Propose runs on the proposer when the round enters the accept phase.
func (cb *paxosCallbacks) Propose(inst Instance, header []byte, round int32, value []byte) error {
	m := cb.m
	m.Logger.Debug("enter propose")
	_, h, err := cb.phase(header)
	if err != nil {
		return err
	}
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}
	v, err := decodeValue(value)
	if err != nil {
		return err
	}
	return h.propose(m, t, round, v)
}

func startPropose(m *Manager, t *Ticket, round int32, v Value) error {
	if round != t.proposer.round {
		m.Logger.Errorf("current round is not the proposer round, "+
			"current round: %d, proposer round: %d", round, t.proposer.round)
		return ErrStaleRound
	}
	t.proposer.value = v
	t.proposer.haveValue = true

	t.proposer.timerRenew.stop()
	if t.renew {
		d := t.expiry * 4 / 5
		t.proposer.timerRenew = m.armTimer(d, func() { m.renewExpires(t) })
		t.proposer.expires = m.Clock.Now().Add(d)
	} else {
		t.proposer.timerRenew = m.armTimer(t.expiry, func() { m.leaseExpires(t) })
		t.proposer.expires = m.Clock.Now().Add(t.expiry)
	}
	return nil
}

func stopPropose(m *Manager, t *Ticket, round int32, v Value) error {
	if round != t.proposer.round {
		m.Logger.Errorf("current round is not the proposer round, "+
			"current round: %d, proposer round: %d", round, t.proposer.round)
		return ErrStaleRound
	}
	// the value holds the zeros set by Release; no timer change, release
	// takes effect at commit
	t.proposer.value = v
	t.proposer.haveValue = true
	return nil
}

// Accepted runs on every acceptor once it accepts the proposed value.
func (cb *paxosCallbacks) Accepted(inst Instance, header []byte, round int32, value []byte) error {
	m := cb.m
	m.Logger.Debug("enter accepted")
	hdr, h, err := cb.phase(header)
	if err != nil {
		return err
	}
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}
	v, err := decodeValue(value)
	if err != nil {
		return err
	}
	return h.accepted(m, t, hdr, round, v)
}

func startAccepted(m *Manager, t *Ticket, hdr Header, round int32, v Value) error {
	t.acceptor.round = round

	if hdr.Clear == NotClearRelease && t.release == Stopped {
		m.Logger.Debug("could not be leased")
		return ErrProposalCollision
	}

	t.acceptor.value = v
	t.acceptor.haveValue = true

	// arm a tentative expiry for the new round without destroying the
	// still-valid expiry of the committed lease
	if t.acceptor.timerNew != nil && t.acceptor.timerNew != t.acceptor.timerCurrent {
		t.acceptor.timerNew.stop()
	}
	t.acceptor.timerNew = m.armTimer(t.expiry, func() { m.leaseExpires(t) })
	t.acceptor.expires = m.Clock.Now().Add(t.expiry)
	return nil
}

func stopAccepted(m *Manager, t *Ticket, hdr Header, round int32, v Value) error {
	t.acceptor.round = round
	t.acceptor.value = v
	t.acceptor.haveValue = true
	return nil
}

// Commit runs on the proposer after quorum.
func (cb *paxosCallbacks) Commit(inst Instance, header []byte, round int32) error {
	m := cb.m
	m.Logger.Debug("enter commit")
	_, h, err := cb.phase(header)
	if err != nil {
		return err
	}
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}
	return h.commit(m, t, round)
}

func startCommit(m *Manager, t *Ticket, round int32) error {
	if round != t.proposer.round {
		m.Logger.Errorf("current round is not the proposer round, "+
			"current round: %d, proposer round: %d", round, t.proposer.round)
		return ErrStaleRound
	}
	if !t.proposer.haveValue {
		return errNoAcceptedValue
	}

	t.release = Started
	t.owner = t.proposer.value.Owner
	t.expiry = time.Duration(t.proposer.value.Expiry) * time.Second
	promoteAcceptorTimer(t)

	expires := m.Clock.Now().Add(t.expiry)
	t.expires = expires
	m.notify(Result{
		Name:    t.proposer.value.Name,
		Owner:   t.proposer.value.Owner,
		Expires: expires,
		Ballot:  round,
	})
	return nil
}

func stopCommit(m *Manager, t *Ticket, round int32) error {
	if round != t.proposer.round {
		m.Logger.Errorf("current round is not the proposer round, "+
			"current round: %d, proposer round: %d", round, t.proposer.round)
		return ErrStaleRound
	}

	t.acceptor.timerCurrent.stop()
	t.acceptor.timerCurrent = nil
	t.acceptor.timerNew.stop()
	t.acceptor.timerNew = nil
	t.proposer.timerRetry.stop()
	t.proposer.timerRetry = nil
	t.proposer.timerRenew.stop()
	t.proposer.timerRenew = nil

	t.release = Stopped
	t.owner = None
	t.expires = time.Time{}
	m.notify(Result{Name: t.name, Owner: None, Ballot: round})
	return nil
}

// Learned runs on acceptors once they learn the committed round. It mirrors
// Commit against the acceptor state and never touches the retry timer.
func (cb *paxosCallbacks) Learned(inst Instance, header []byte, round int32) error {
	m := cb.m
	m.Logger.Debug("enter learned")
	_, h, err := cb.phase(header)
	if err != nil {
		return err
	}
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}
	return h.learned(m, t, round)
}

func startLearned(m *Manager, t *Ticket, round int32) error {
	if round != t.acceptor.round {
		m.Logger.Errorf("current round is not the acceptor round, "+
			"current round: %d, acceptor round: %d", round, t.acceptor.round)
		return ErrStaleRound
	}
	if !t.acceptor.haveValue {
		return errNoAcceptedValue
	}

	t.release = Started
	t.owner = t.acceptor.value.Owner
	t.expiry = time.Duration(t.acceptor.value.Expiry) * time.Second
	promoteAcceptorTimer(t)

	expires := m.Clock.Now().Add(t.expiry)
	t.expires = expires
	m.notify(Result{
		Name:    t.acceptor.value.Name,
		Owner:   t.acceptor.value.Owner,
		Expires: expires,
		Ballot:  round,
	})
	return nil
}

func stopLearned(m *Manager, t *Ticket, round int32) error {
	if round != t.acceptor.round {
		m.Logger.Errorf("current round is not the acceptor round, "+
			"current round: %d, acceptor round: %d", round, t.acceptor.round)
		return ErrStaleRound
	}
	if !t.acceptor.haveValue {
		return errNoAcceptedValue
	}

	t.acceptor.timerCurrent.stop()
	t.acceptor.timerCurrent = nil
	t.acceptor.timerNew.stop()
	t.acceptor.timerNew = nil

	t.release = Stopped
	t.owner = None
	t.expires = time.Time{}
	m.notify(Result{Name: t.name, Owner: None, Ballot: round})
	return nil
}

// promoteAcceptorTimer confirms the tentative expiry of the newly committed
// round, cancelling the one belonging to the superseded lease.
func promoteAcceptorTimer(t *Ticket) {
	if t.acceptor.timerCurrent != t.acceptor.timerNew {
		t.acceptor.timerCurrent.stop()
		t.acceptor.timerCurrent = t.acceptor.timerNew
	}
}

// Catchup reconstructs ticket state from the best-known committed state the
// peers report. Invoked once by the engine during recovery.
func (cb *paxosCallbacks) Catchup(inst Instance) error {
	m := cb.m
	t, ok := m.ticket(inst)
	if !ok {
		return ErrUnknownHandle
	}

	owner, ballot, expires, err := m.Cluster.Catchup(t.name)
	if err != nil {
		return errors.WithMessage(ErrCatchupMissing, err.Error())
	}
	t.owner, t.acceptor.round, t.expires = owner, ballot, expires
	m.Logger.WithFields(logrus.Fields{
		"name":    t.name,
		"owner":   owner,
		"ballot":  ballot,
		"expires": expires,
	}).Debug("catchup result")

	if t.owner == None {
		t.release = Stopped
		return nil
	}
	t.release = Started

	now := m.Clock.Now()
	if now.After(t.expires) {
		// the remembered lease has aged out
		t.owner = None
		t.expires = time.Time{}
		m.notify(Result{Name: t.name, Owner: None, Ballot: t.acceptor.round})
		return nil
	}

	if t.owner == m.myid {
		t.acceptor.timerCurrent = m.armTimer(t.expires.Sub(now), func() { m.leaseExpires(t) })
		// when the renewal moment already passed, the expiry timer fires
		// first and failover takes the ticket again
		if renewAt := t.expires.Add(-t.expiry / 5); now.Before(renewAt) {
			t.proposer.timerRenew = m.armTimer(renewAt.Sub(now), func() { m.renewExpires(t) })
		}
	} else {
		t.acceptor.timerCurrent = m.armTimer(t.expires.Sub(now), func() { m.leaseExpires(t) })
	}

	t.proposer.round = t.acceptor.round
	m.notify(Result{
		Name:    t.name,
		Owner:   t.owner,
		Expires: t.expires,
		Ballot:  t.acceptor.round,
	})
	return nil
}
