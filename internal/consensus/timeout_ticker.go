package consensus

import "time"

// TimeoutParams controls how long each step waits before the state
// machine gives up and moves on. Durations grow linearly with the
// round so that a validator set recovering from a partition allows
// laggards progressively more time.
type TimeoutParams struct {
	ProposeBase  time.Duration
	ProposeDelta time.Duration

	PrevoteBase  time.Duration
	PrevoteDelta time.Duration

	PrecommitBase  time.Duration
	PrecommitDelta time.Duration

	CommitTimeout time.Duration
}

// DefaultTimeoutParams returns the recommended defaults: base=3000ms,
// delta=500ms, commitTimeout=1000ms, shared across the propose/prevote/
// precommit steps.
func DefaultTimeoutParams() TimeoutParams {
	return TimeoutParams{
		ProposeBase:    3000 * time.Millisecond,
		ProposeDelta:   500 * time.Millisecond,
		PrevoteBase:    3000 * time.Millisecond,
		PrevoteDelta:   500 * time.Millisecond,
		PrecommitBase:  3000 * time.Millisecond,
		PrecommitDelta: 500 * time.Millisecond,
		CommitTimeout:  1000 * time.Millisecond,
	}
}

// Duration returns how long step at round should wait before timing
// out. Propose, Prevote/PrevoteWait and Precommit/PrecommitWait grow
// linearly with round; Commit uses CommitTimeout and every other step
// ProposeBase, both fixed.
func (p TimeoutParams) Duration(step Step, round int32) time.Duration {
	n := time.Duration(round)
	switch step {
	case StepPropose:
		return p.ProposeBase + p.ProposeDelta*n
	case StepPrevote, StepPrevoteWait:
		return p.PrevoteBase + p.PrevoteDelta*n
	case StepPrecommit, StepPrecommitWait:
		return p.PrecommitBase + p.PrecommitDelta*n
	case StepCommit:
		return p.CommitTimeout
	default:
		return p.ProposeBase
	}
}

// TimeoutInfo identifies a scheduled timeout: the (height, round, step)
// it belongs to, so a late-arriving fire can be discarded by the state
// machine if the round state has since moved past it.
type TimeoutInfo struct {
	Duration time.Duration
	Height   uint64
	Round    int32
	Step     Step
}

// TimeoutTicker schedules at most one pending timeout at a time:
// scheduling a new one cancels whatever was previously pending, so the
// state machine never has to reason about stale timers firing out of
// order.
type TimeoutTicker struct {
	timer   *time.Timer
	tickCh  chan TimeoutInfo
	newInfo chan TimeoutInfo
	stopCh  chan struct{}
}

// NewTimeoutTicker creates a TimeoutTicker; call Start to begin its
// scheduling loop.
func NewTimeoutTicker() *TimeoutTicker {
	return &TimeoutTicker{
		tickCh:  make(chan TimeoutInfo, 1),
		newInfo: make(chan TimeoutInfo),
		stopCh:  make(chan struct{}),
	}
}

// Chan returns the channel timeouts fire on.
func (t *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return t.tickCh
}

// Start begins the ticker's scheduling goroutine.
func (t *TimeoutTicker) Start() {
	go t.loop()
}

// Stop terminates the ticker and cancels any pending timer.
func (t *TimeoutTicker) Stop() {
	close(t.stopCh)
}

// ScheduleTimeout replaces whatever timeout is currently pending with
// info. A schedule identical to the pending one (same duration, height,
// round and step) is ignored to avoid restarting an identical timer.
func (t *TimeoutTicker) ScheduleTimeout(info TimeoutInfo) {
	select {
	case t.newInfo <- info:
	case <-t.stopCh:
	}
}

func (t *TimeoutTicker) loop() {
	var pending TimeoutInfo
	var timerCh <-chan time.Time

	stopTimer := func() {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	defer stopTimer()

	for {
		select {
		case <-t.stopCh:
			return

		case info := <-t.newInfo:
			if info == pending {
				continue
			}
			stopTimer()
			pending = info
			t.timer = time.NewTimer(info.Duration)
			timerCh = t.timer.C

		case <-timerCh:
			select {
			case t.tickCh <- pending:
			default:
				// A single pending slot: drop if the consumer hasn't
				// drained the previous fire yet.
			}
			timerCh = nil
		}
	}
}
