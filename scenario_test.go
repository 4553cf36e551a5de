package lease

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// The scenario harness wires three managers to a scripted engine that drives
// the protocol phases in order over one shared clock. Rounds are requested
// through the real API; h.run() then plays prepare/promise, propose/accepted
// and commit/learned across all live sites.

type site struct {
	id      int32
	mgr     *Manager
	eng     *scriptEngine
	cluster *clusterMock
	store   *recordStore
	tickets map[string]*Ticket
	crashed bool
}

type pendingRequest struct {
	site       *site
	name       string
	header     []byte
	value      []byte
	round      int32
	renewal    bool
	onComplete RoundComplete
}

type harness struct {
	t         *testing.T
	clk       *fakeClock
	sites     []*site
	nextRound int32
	current   map[string]int32 // latest committed round per ticket
	pending   []*pendingRequest
}

func newHarness(t *testing.T, n int) *harness {
	h := &harness{t: t, clk: newFakeClock(), current: make(map[string]int32)}
	for i := 0; i < n; i++ {
		s := &site{id: int32(i + 1), tickets: make(map[string]*Ticket)}
		s.eng = &scriptEngine{h: h, site: s, recovering: make(map[Instance]bool)}
		s.cluster = &clusterMock{id: s.id}
		s.store = &recordStore{}
		logger := logrus.New()
		logger.Level = logrus.PanicLevel
		mgr, err := New(&Config{
			Engine:      s.eng,
			Cluster:     s.cluster,
			Store:       s.store,
			Logger:      logger,
			Clock:       h.clk,
			ClusterSize: n,
		})
		if err != nil {
			t.Fatalf("new manager for site %d: %v", s.id, err)
		}
		s.mgr = mgr
		h.sites = append(h.sites, s)
	}
	return h
}

func (h *harness) initTicket(name string, expiry time.Duration, failover bool) {
	for _, s := range h.sites {
		tk, err := s.mgr.Init(name, expiry, failover, nil)
		if err != nil {
			h.t.Fatalf("init ticket on site %d: %v", s.id, err)
		}
		s.tickets[name] = tk
	}
}

// run plays every pending round to completion, oldest first.
func (h *harness) run() {
	for len(h.pending) > 0 {
		r := h.pending[0]
		h.pending = h.pending[1:]
		h.runRound(r)
	}
}

func (h *harness) runRound(r *pendingRequest) {
	if r.site.crashed {
		return
	}
	fail := func() {
		if r.onComplete != nil {
			r.onComplete(r.name, r.round, -1)
		}
	}

	if !r.renewal {
		promised := 0
		for _, s := range h.sites {
			if s.crashed {
				continue
			}
			hdr := append([]byte(nil), r.header...)
			if !s.eng.cb.IsPrepared(r.name, hdr) {
				continue
			}
			if err := s.eng.cb.Promise(r.name, hdr); err != nil {
				continue
			}
			promised++
		}
		if promised*2 <= len(h.sites) {
			fail()
			return
		}
	}

	if err := r.site.eng.cb.Propose(r.name, r.header, r.round, r.value); err != nil {
		fail()
		return
	}
	accepted := 0
	for _, s := range h.sites {
		if s.crashed {
			continue
		}
		if err := s.eng.cb.Accepted(r.name, r.header, r.round, r.value); err == nil {
			accepted++
		}
	}
	if accepted*2 <= len(h.sites) {
		fail()
		return
	}

	r.site.eng.cb.Commit(r.name, r.header, r.round)
	for _, s := range h.sites {
		if s.crashed || s == r.site {
			continue
		}
		s.eng.cb.Learned(r.name, r.header, r.round)
	}
	h.current[r.name] = r.round
	if r.onComplete != nil {
		r.onComplete(r.name, r.round, 0)
	}
}

func (h *harness) crash(s *site) { s.crashed = true }

// scriptEngine implements Engine against the harness. Instance handles are
// the ticket names.
type scriptEngine struct {
	h          *harness
	site       *site
	cb         Callbacks
	recovering map[Instance]bool
}

func (e *scriptEngine) SpaceInit(name string, nodes, headerLen, valueLen int, roles []uint8, cluster Cluster, cb Callbacks) (Space, error) {
	e.cb = cb
	return name, nil
}

func (e *scriptEngine) InstanceInit(space Space, name string, prio []int) (Instance, error) {
	return name, nil
}

func (e *scriptEngine) RoundRequest(inst Instance, value []byte, onComplete RoundComplete) (int32, error) {
	if e.site.crashed {
		return -1, errors.New("site down")
	}
	h := e.h
	h.nextRound++
	r := &pendingRequest{
		site:       e.site,
		name:       inst.(string),
		header:     make([]byte, HeaderLen),
		value:      value,
		round:      h.nextRound,
		onComplete: onComplete,
	}
	if err := e.cb.Prepare(inst, r.header); err != nil {
		return -1, err
	}
	h.pending = append(h.pending, r)
	return r.round, nil
}

func (e *scriptEngine) Propose(inst Instance, value []byte, round int32) (int32, error) {
	if e.site.crashed {
		return -1, errors.New("site down")
	}
	h := e.h
	if round != h.current[inst.(string)] {
		return -1, errors.New("round is no longer current")
	}
	h.nextRound++
	header := make([]byte, HeaderLen)
	Header{Op: OpStart}.encode(header)
	h.pending = append(h.pending, &pendingRequest{
		site:    e.site,
		name:    inst.(string),
		header:  header,
		value:   value,
		round:   h.nextRound,
		renewal: true,
	})
	return h.nextRound, nil
}

func (e *scriptEngine) Catchup(inst Instance) error { return e.cb.Catchup(inst) }

func (e *scriptEngine) RecoveryStatus(inst Instance) bool { return e.recovering[inst] }

func (e *scriptEngine) SetRecoveryStatus(inst Instance, recovering bool) {
	e.recovering[inst] = recovering
}

func (e *scriptEngine) Recvmsg(buf []byte) error { return nil }

// ---------------------------------------------------------------------------
// scenarios: expiry = 100s, three sites A=1, B=2, C=3, ticket "t1"

const tick = time.Second

func TestScenarioCleanGrant(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a := h.sites[0]

	round, err := a.mgr.Acquire(a.tickets["t1"], NotClearRelease, true, nil)
	assert(t, err == nil, "expect acquire not to fail")
	assert(t, round == 1, "expect the first ballot")
	h.run()

	commitTime := h.clk.Now()
	for _, s := range h.sites {
		owner, release, expires := s.mgr.Status(s.tickets["t1"])
		assert(t, owner == 1, "expect every site to see site 1 as owner")
		assert(t, release == Started, "expect the grant in effect everywhere")
		assert(t, expires.Equal(commitTime.Add(100*tick)), "expect expiry a full term out")

		r := s.store.last()
		assert(t, r.Name == "t1" && r.Owner == 1 && r.Ballot == 1, "expect the grant notified on every site")
		assert(t, r.Expires.Equal(commitTime.Add(100*tick)), "expect the notified expiry a full term out")
	}
	assert(t, h.clk.hasAlarm(80*tick), "expect the owner's renewal at 4/5 of the term")
	assert(t, h.clk.hasAlarm(100*tick), "expect expiry timers at the full term")
}

func TestScenarioContention(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a, b := h.sites[0], h.sites[1]

	a.mgr.Acquire(a.tickets["t1"], NotClearRelease, true, nil)
	h.run()

	failed := 0
	b.mgr.Acquire(b.tickets["t1"], NotClearRelease, true, func(_ *Ticket, result int) {
		if result != 0 {
			failed++
		}
	})
	h.run()
	assert(t, failed == 1, "expect the contending acquire to surface no acquisition")

	owner, _, _ := b.mgr.Status(b.tickets["t1"])
	assert(t, owner == 1, "expect site 2 to still see site 1 as owner")

	// at the retry the owner is known, so the retry is a no-op
	h.clk.advance(10 * tick)
	assert(t, len(h.pending) == 0, "expect no fresh round from the retry")
	owner, _, _ = b.mgr.Status(b.tickets["t1"])
	assert(t, owner == 1, "expect ownership unchanged after the retry")
}

func TestScenarioRenewal(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a := h.sites[0]

	a.mgr.Acquire(a.tickets["t1"], NotClearRelease, true, nil)
	h.run()

	h.clk.advance(80 * tick)
	assert(t, len(h.pending) == 1, "expect the renewal proposal at 4/5 of the term")
	h.run()

	renewTime := h.clk.Now()
	for _, s := range h.sites {
		owner, _, _ := s.mgr.Status(s.tickets["t1"])
		assert(t, owner == 1, "expect the owner unchanged by renewal")
		r := s.store.last()
		assert(t, r.Owner == 1 && r.Ballot == 2, "expect the renewal committed at the next ballot")
		assert(t, r.Expires.Equal(renewTime.Add(100*tick)), "expect expires extended a full term from renewal")
	}
	assert(t, h.clk.hasAlarm(80*tick), "expect the renewal rearmed from the new commit")

	// renewals extend expires monotonically
	h.clk.advance(80 * tick)
	h.run()
	r := a.store.last()
	assert(t, r.Ballot == 3, "expect a further renewal at the next ballot")
	assert(t, r.Expires.After(renewTime.Add(100*tick)), "expect expires to only move forward")
}

func TestScenarioExpiryFailover(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a, b, c := h.sites[0], h.sites[1], h.sites[2]

	a.mgr.Acquire(a.tickets["t1"], NotClearRelease, true, nil)
	h.run()
	h.crash(a)

	// the owner vanished; at the deadline the acceptor timers on the
	// survivors fire and both race for re-acquisition
	h.clk.advance(100 * tick)
	for _, s := range []*site{b, c} {
		found := false
		for _, r := range s.store.results {
			if r.Owner == None && r.Expires.IsZero() && r.Ballot == 1 {
				found = true
			}
		}
		assert(t, found, "expect the expiry notified on the survivors")
	}
	assert(t, len(h.pending) == 2, "expect both survivors to race for the ticket")
	h.run()

	winner, _, _ := b.mgr.Status(b.tickets["t1"])
	assert(t, winner == 2, "expect the first round played to win")
	ownerC, _, _ := c.mgr.Status(c.tickets["t1"])
	assert(t, ownerC == 2, "expect the loser to learn the winner")

	// the loser's retry observes the now-known owner
	h.clk.advance(10 * tick)
	assert(t, len(h.pending) == 0, "expect the loser's retry to be a no-op")
}

func TestScenarioCleanRelease(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a := h.sites[0]

	a.mgr.Acquire(a.tickets["t1"], NotClearRelease, true, nil)
	h.run()
	h.clk.advance(80 * tick)
	h.run() // renewal at ballot 2

	done := 0
	_, err := a.mgr.Release(a.tickets["t1"], func(_ *Ticket, result int) {
		if result == 0 {
			done++
		}
	})
	assert(t, err == nil, "expect release not to fail")
	h.run()
	assert(t, done == 1, "expect the release completion")

	for _, s := range h.sites {
		owner, release, expires := s.mgr.Status(s.tickets["t1"])
		assert(t, owner == None, "expect the ticket unowned everywhere")
		assert(t, release == Stopped, "expect the grant stopped everywhere")
		assert(t, expires.IsZero(), "expect no trusted expiry")
		r := s.store.last()
		assert(t, r.Owner == None && r.Expires.IsZero() && r.Ballot == 3, "expect the release committed at ballot 3")
	}
	assert(t, len(h.clk.pending()) == 0, "expect zero timers armed after release")

	// ballots only ever moved forward
	prev := int32(0)
	for _, r := range a.store.results {
		assert(t, r.Ballot >= prev, "expect ballots non-decreasing")
		prev = r.Ballot
	}
}

func TestScenarioCatchupAfterRestart(t *testing.T) {
	h := newHarness(t, 3)
	h.initTicket("t1", 100*tick, true)
	a := h.sites[0]
	tk := a.tickets["t1"]

	// site 1 restarts while holding t1 with 40s left on the lease
	a.cluster.catchupOwner = 1
	a.cluster.catchupBallot = 2
	a.cluster.catchupExpires = h.clk.Now().Add(40 * tick)
	a.eng.recovering[tk.inst] = true

	err := a.mgr.StatusRecovery(tk)
	assert(t, err == nil, "expect recovery not to fail")
	assert(t, !a.eng.recovering[tk.inst], "expect the recovering flag cleared")

	owner, release, expires := a.mgr.Status(tk)
	assert(t, owner == 1 && release == Started, "expect the held lease reconstructed")
	assert(t, expires.Equal(h.clk.Now().Add(40*tick)), "expect the remembered expiry")
	assert(t, tk.proposer.round == 2, "expect the proposer round mirrored from the ballot")
	assert(t, h.clk.hasAlarm(40*tick), "expect the expiry armed at the remembered deadline")
	assert(t, h.clk.hasAlarm(20*tick), "expect the renewal armed a fifth of the term early")

	r := a.store.last()
	assert(t, r.Owner == 1 && r.Ballot == 2, "expect the reconstructed tuple re-notified")
	assert(t, r.Expires.Equal(h.clk.Now().Add(40*tick)), "expect the remembered expires re-notified")

	// the renewal extends the lease before it runs out
	h.current["t1"] = 2
	h.nextRound = 2
	h.clk.advance(20 * tick)
	assert(t, len(h.pending) == 1, "expect the renewal proposal from the reconstructed lease")
	h.run()
	owner, _, _ = a.mgr.Status(tk)
	assert(t, owner == 1, "expect the owner unchanged by the post-restart renewal")
	assert(t, a.store.last().Ballot == 3, "expect the renewal at the next ballot")
}
