package lynx

import (
	"context"
	"errors"
	"fmt"

	"github.com/lynx-engine/lynx/ldrive"
	"github.com/lynx-engine/lynx/lhub"
	"github.com/lynx-engine/lynx/lid"
	"github.com/lynx-engine/lynx/lmetrics"
	"github.com/lynx-engine/lynx/lsecure"
)

var (
	errRaceWon         = errors.New("another strategy won the race")
	errStrategyTimeout = errors.New("strategy timed out")
)

// establish runs one connect attempt end to end:
// fetch candidates, race the viable strategies for a raw transport,
// and upgrade the winner to a secured channel.
// The attempt's state is updated at each phase
// so [Node.ListPeers] can report in-flight progress.
//
// A failed handshake on one transport advances to the strategies
// not yet tried, except for security rejections, which are terminal.
func (n *Node) establish(ctx context.Context, att *attempt) (*lsecure.Channel, error) {
	peer := att.peer

	att.setState(StateCollectingCandidates)
	fetched, err := n.hub.FetchCandidates(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	// Caller-supplied hints go ahead of the hub's view:
	// they are fresher than anything the fetch returned.
	cands := make([]lhub.Candidate, 0, len(att.hints)+len(fetched))
	cands = append(cands, att.hints...)
	cands = append(cands, fetched...)

	plan := make([]ldrive.Driver, 0, len(n.drivers))
	for _, d := range n.drivers {
		if d.Viable(cands) {
			plan = append(plan, d)
		}
	}
	if len(plan) == 0 {
		return nil, ErrNoViableCandidates
	}

	n.log.Debug(
		"Racing strategies",
		"peer", peer.Short(),
		"plan", strategiesOf(plan),
		"candidates", len(cands),
	)

	var attemptErrs []error
	for len(plan) > 0 {
		att.setState(StateRacing)
		rt, failures, raceErr := n.race(ctx, peer, cands, plan)
		for _, f := range failures {
			attemptErrs = append(attemptErrs, f.err)
		}
		if raceErr != nil {
			return nil, raceErr
		}
		if rt == nil {
			// Every strategy in the plan failed to open.
			break
		}

		att.setState(StateHandshaking)
		ch, herr := n.engine.Secure(ctx, rt, peer)
		if herr == nil {
			return ch, nil
		}
		_ = rt.Close()

		if reason, ok := securityReasonOf(herr); ok {
			// Another path would reach the same wrong peer.
			n.metrics.ObserveSecurityRejection(reason)
			return nil, fmt.Errorf("%w: %w", ErrHandshakeRejected, herr)
		}

		n.log.Debug(
			"Handshake failed, advancing to remaining strategies",
			"peer", peer.Short(),
			"strategy", rt.Strategy,
			"err", herr,
		)
		attemptErrs = append(attemptErrs, fmt.Errorf("%s handshake: %w", rt.Strategy, herr))

		tried := map[ldrive.Strategy]bool{rt.Strategy: true}
		for _, f := range failures {
			tried[f.strategy] = true
		}
		plan = withoutStrategies(plan, tried)
	}

	return nil, fmt.Errorf("%w: %w", ErrAllStrategiesExhausted, errors.Join(attemptErrs...))
}

// securityReasonOf maps a handshake error to its rejection reason label,
// reporting whether the error is a security rejection at all.
func securityReasonOf(err error) (string, bool) {
	switch {
	case errors.Is(err, lsecure.ErrIdentityMismatch):
		return lmetrics.ReasonIdentityMismatch, true
	case errors.Is(err, lsecure.ErrDowngradeRejected):
		return lmetrics.ReasonDowngrade, true
	default:
		return "", false
	}
}

type raceResult struct {
	strategy ldrive.Strategy
	rt       *ldrive.RawTransport
	err      error
}

type strategyFailure struct {
	strategy ldrive.Strategy
	err      error
}

// race runs the plan with staggered overlap:
// the first strategy starts immediately,
// each subsequent one after the stagger elapses
// or as soon as a running strategy fails, whichever comes first.
//
// The first transport to come up wins;
// the rest are cancelled and waited for,
// and any transport they still produce is closed.
// failures reports the strategies that conclusively failed to open.
func (n *Node) race(
	ctx context.Context, peer lid.ID, cands []lhub.Candidate, plan []ldrive.Driver,
) (won *ldrive.RawTransport, failures []strategyFailure, err error) {
	raceCtx, cancelRace := context.WithCancelCause(ctx)
	defer cancelRace(errRaceWon)

	results := make(chan raceResult, len(plan))
	launched := 0
	launch := func() {
		d := plan[launched]
		launched++
		go func() {
			rt, err := n.openWithTimeout(raceCtx, d, peer, cands)
			if rt != nil && raceCtx.Err() != nil {
				// Produced a transport after losing the race.
				_ = rt.Close()
				rt, err = nil, context.Cause(raceCtx)
			}
			results <- raceResult{strategy: d.Strategy(), rt: rt, err: err}
		}()
	}

	// reap cancels the race and waits for every launched strategy,
	// closing any transport the losers still produced.
	pending := 0
	reap := func() {
		cancelRace(errRaceWon)
		for ; pending > 0; pending-- {
			if r := <-results; r.rt != nil {
				_ = r.rt.Close()
			}
		}
	}

	launch()
	pending++

	stagger := n.clk.Timer(n.stagger)
	defer stagger.Stop()

	for pending > 0 {
		staggerC := stagger.C
		if launched >= len(plan) {
			staggerC = nil
		}

		select {
		case res := <-results:
			pending--

			if res.rt != nil {
				reap()
				return res.rt, failures, nil
			}

			if ctx.Err() != nil {
				reap()
				return nil, failures, context.Cause(ctx)
			}

			n.log.Debug(
				"Strategy failed to open a transport",
				"peer", peer.Short(),
				"strategy", res.strategy,
				"err", res.err,
			)
			failures = append(failures, strategyFailure{
				strategy: res.strategy,
				err:      fmt.Errorf("%s: %w", res.strategy, res.err),
			})

			// A failure frees the race to start the next strategy
			// without waiting out the stagger.
			if launched < len(plan) {
				launch()
				pending++
				stagger.Reset(n.stagger)
			}

		case <-staggerC:
			launch()
			pending++
			stagger.Reset(n.stagger)

		case <-ctx.Done():
			reap()
			return nil, failures, context.Cause(ctx)
		}
	}

	return nil, failures, nil
}

// openWithTimeout bounds a single driver attempt on the node's clock.
func (n *Node) openWithTimeout(
	ctx context.Context, d ldrive.Driver, peer lid.ID, cands []lhub.Candidate,
) (*ldrive.RawTransport, error) {
	openCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tm := n.clk.Timer(n.strategyTimeout)
	go func() {
		select {
		case <-tm.C:
			cancel(fmt.Errorf("%s after %s: %w", d.Strategy(), n.strategyTimeout, errStrategyTimeout))
		case <-openCtx.Done():
			tm.Stop()
		}
	}()

	return d.Open(openCtx, peer, cands)
}

func strategiesOf(plan []ldrive.Driver) []string {
	out := make([]string, len(plan))
	for i, d := range plan {
		out[i] = string(d.Strategy())
	}
	return out
}

func withoutStrategies(plan []ldrive.Driver, tried map[ldrive.Strategy]bool) []ldrive.Driver {
	out := plan[:0]
	for _, d := range plan {
		if !tried[d.Strategy()] {
			out = append(out, d)
		}
	}
	return out
}
