package lease

import (
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// leaseTimer is a one-shot timer exclusively owned by one ticket slot. The
// stopped flag is flipped under the manager lock, so a cancelled timer can
// never run its body even if the underlying clock already fired it.
type leaseTimer struct {
	timer   clock.Timer
	stopped bool
}

// stop cancels the timer. Safe on nil and on an already fired or cancelled
// handle. Call with the manager lock held; the slot holding the handle
// should be overwritten or nilled by the caller.
func (lt *leaseTimer) stop() {
	if lt == nil || lt.stopped {
		return
	}
	lt.stopped = true
	lt.timer.Stop()
}

// armTimer schedules fn to run under the manager lock after d.
func (m *Manager) armTimer(d time.Duration, fn func()) *leaseTimer {
	lt := &leaseTimer{}
	lt.timer = m.Clock.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if lt.stopped {
			return
		}
		lt.stopped = true
		fn()
	})
	return lt
}

// renewExpires fires at 4/5 of the lease term on the owner and re-proposes
// the held value to extend the lease. The proposer's Propose callback for
// that round rearms it.
func (m *Manager) renewExpires(t *Ticket) {
	m.Logger.Debug("renew expires ...")

	if t.owner != m.myid {
		m.Logger.Debug("can not renew because I'm not the lease owner")
		return
	}

	value, err := encodeValue(Value{Name: t.name, Owner: m.myid, Expiry: seconds(t.expiry)})
	if err != nil {
		m.Logger.WithError(err).Error("encode renewal value")
		return
	}
	round, err := m.Engine.Propose(t.inst, value, t.proposer.round)
	if err != nil {
		m.Logger.WithError(err).Errorf("renew proposal for ticket %s", t.name)
		return
	}
	if round > 0 {
		t.proposer.round = round
	}
}

// leaseExpires fires at the lease deadline. The remembered owner is no
// longer trusted; eligible sites race for re-acquisition.
func (m *Manager) leaseExpires(t *Ticket) {
	m.Logger.WithFields(logrus.Fields{
		"owner":  t.owner,
		"ticket": t.name,
	}).Info("lease expires ...")

	t.owner = None
	t.expires = time.Time{}
	m.notify(Result{Name: t.name, Owner: None, Ballot: t.acceptor.round})

	t.proposer.timerRenew.stop()
	t.proposer.timerRenew = nil
	t.proposer.timerRetry.stop()
	t.proposer.timerRetry = nil
	t.acceptor.timerNew.stop()
	t.acceptor.timerNew = nil
	t.acceptor.timerCurrent.stop()
	t.acceptor.timerCurrent = nil

	if t.failover {
		if _, err := m.acquire(t, NotClearRelease, true, nil); err != nil {
			m.Logger.WithError(err).Errorf("failover reacquire for ticket %s", t.name)
		}
	}
}

// leaseRetry fires at expiry/10 after an acquire. Retried exactly once; a
// further attempt needs a new Acquire call.
func (m *Manager) leaseRetry(t *Ticket) {
	m.Logger.Debug("lease retry ...")

	t.proposer.timerRetry = nil
	if t.owner != None {
		m.Logger.Debug("someone already got the lease, no need to retry")
		return
	}

	value, err := encodeValue(Value{Name: t.name, Owner: m.myid, Expiry: seconds(t.expiry)})
	if err != nil {
		m.Logger.WithError(err).Error("encode retry value")
		return
	}

	// We don't know whether the retry after a ticket grant is manual or
	// not, so NOT_CLEAR_RELEASE is the only safe choice: it never
	// overwrites an existing lease.
	t.action = Action{Op: OpStart, Clear: NotClearRelease}
	round, err := m.Engine.RoundRequest(t.inst, value, m.endRequest)
	if err != nil {
		m.Logger.WithError(err).Errorf("retry round request for ticket %s", t.name)
		return
	}
	if round > 0 {
		t.proposer.round = round
	}
}
