// Package rendezvous implements a cyclic (reusable) rendezvous barrier:
// every participant in a round calls Phase.Rendezvous once; the last
// arrival computes the round's shared result and releases everyone else,
// each of whom observes that same result. It backs the group-collective
// implementations in both the loopback and grpcmesh transports.
package rendezvous

import "sync"

// Phase is a reusable rendezvous point for exactly n participants per
// round.
type Phase struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n          int
	arrived    int
	gen        int
	lastResult any
}

// New creates a Phase for n participants per round.
func New(n int) *Phase {
	p := &Phase{n: n}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Rendezvous records this participant's contribution (via contribute,
// called under the Phase's lock) and blocks until every one of the n
// participants for this round has also called Rendezvous. The last
// arrival computes finalize (also under the lock) exactly once per
// round; every participant, including the last arrival, receives that
// same value.
func (p *Phase) Rendezvous(contribute func(), finalize func() any) any {
	p.mu.Lock()
	defer p.mu.Unlock()

	gen := p.gen
	contribute()
	p.arrived++
	if p.arrived == p.n {
		p.lastResult = finalize()
		p.arrived = 0
		p.gen++
		p.cond.Broadcast()
	} else {
		for p.gen == gen {
			p.cond.Wait()
		}
	}
	return p.lastResult
}
