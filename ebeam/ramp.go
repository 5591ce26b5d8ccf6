package ebeam

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// A DAC can write a voltage to an analog-output channel immediately.  The
// usb3000 package provides the real one; tests substitute recorders.
type DAC interface {
	SetVoltage(channel int, voltage float64) error
}

const (
	// SettleTolerance is the absolute voltage delta below which a ramped
	// channel is considered settled on its target.  The same tolerance is
	// used by the handover coordinator's Idle predicate so that "settled"
	// and "idle" can never disagree.
	SettleTolerance = 0.001

	// TickPeriod is the cadence of the ramp loop, 20 Hz.
	TickPeriod = 50 * time.Millisecond
)

// channelState is the runtime record for one ramped channel.  It is owned
// exclusively by the Engine; everything outside sees copies.
type channelState struct {
	current float64
	target  float64
	rate    float64 // volts per second
}

// A Reading is a read-only snapshot of one channel's state.
type Reading struct {
	Channel Channel `json:"channel"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

/*Engine is the ramp engine.  It owns the per-channel current/target/rate
table and, on each tick, advances every unsettled channel toward its target
by at most rate*elapsed, committing each new value through the DAC.

The original control panel ran everything on one UI thread; this port runs
the tick loop on its own goroutine, so the state table and the DAC handle
are serialized behind one mutex.  Direct (non-ramped) writes go through the
same mutex via Direct, preserving the single-writer guarantee.
*/
type Engine struct {
	mu     sync.Mutex
	dev    DAC
	policy *Policy
	bus    *Broadcaster
	state  map[Channel]*channelState
	last   time.Time
}

// NewEngine returns an Engine writing through dev under the given policy.
// bus may be nil if nobody wants status events.
func NewEngine(dev DAC, policy *Policy, bus *Broadcaster) *Engine {
	return &Engine{
		dev:    dev,
		policy: policy,
		bus:    bus,
		state:  make(map[Channel]*channelState),
	}
}

// SetInitialState forces a ramped channel to a known baseline: current and
// target are both set to v and the value is committed immediately.  This is
// the one legitimate discontinuous jump, used once per channel at startup
// because the physical output starts at an unknown value.  An unknown
// channel is a programming error and panics.
func (e *Engine) SetInitialState(c Channel, v, rate float64) error {
	e.policy.mustRow(c)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[c] = &channelState{current: v, target: v, rate: rate}
	if err := e.dev.SetVoltage(int(c), v); err != nil {
		return fmt.Errorf("ebeam: initial write of %s: %w", c, err)
	}
	e.bus.channelEvent(EventRamp, c, v)
	return nil
}

// SetTarget updates the target and ramp rate of a channel without touching
// its current value; the next tick begins moving toward it.  A channel never
// seen before starts from 0.0 V.  An unknown channel panics.
func (e *Engine) SetTarget(c Channel, v, rate float64) {
	e.policy.mustRow(c)
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[c]
	if !ok {
		st = &channelState{current: 0.0}
		e.state[c] = st
	}
	st.target = v
	st.rate = rate
}

// Direct performs an immediate write to a non-ramped channel, clamped to the
// channel's range, serialized with the tick loop.  Calling it for a ramped
// channel is a programming error and panics; ramped channels only move
// through SetTarget and SetInitialState.
func (e *Engine) Direct(c Channel, v float64) error {
	row := e.policy.mustRow(c)
	if row.Ramped {
		panic(fmt.Sprintf("ebeam: Direct called for ramped channel %s", c))
	}
	v = e.policy.Clamp(c, v)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.dev.SetVoltage(int(c), v); err != nil {
		return fmt.Errorf("ebeam: write of %s: %w", c, err)
	}
	e.bus.channelEvent(EventWrite, c, v)
	return nil
}

// ApplyPreset commands the Idle or Work targets onto the ramped channels.
func (e *Engine) ApplyPreset(p Preset) {
	for c, v := range e.policy.PresetTargets(p) {
		row := e.policy.mustRow(c)
		e.SetTarget(c, v, row.Rate)
	}
	e.bus.message(EventPreset, p.String())
}

// InitializeDefaults writes every channel's policy default: ramped channels
// through SetInitialState, direct channels through Direct.  Called once
// right after the device session opens.
func (e *Engine) InitializeDefaults() error {
	for _, c := range Channels() {
		row := e.policy.mustRow(c)
		if row.Ramped {
			if err := e.SetInitialState(c, row.Default, row.Rate); err != nil {
				return err
			}
			continue
		}
		if err := e.Direct(c, row.Default); err != nil {
			return err
		}
	}
	return nil
}

// Advance executes one tick at the given wall-clock instant.  Non-positive
// elapsed time since the previous tick (clock anomaly) skips the tick
// without touching any state.  Settled channels produce no hardware
// traffic.  The first Advance after construction only records the epoch.
func (e *Engine) Advance(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last.IsZero() {
		e.last = now
		return nil
	}
	dt := now.Sub(e.last).Seconds()
	if dt <= 0 {
		return nil
	}
	e.last = now

	var firstErr error
	for c, st := range e.state {
		diff := st.target - st.current
		if math.Abs(diff) < SettleTolerance {
			continue
		}
		step := st.rate * dt
		if math.Abs(diff) < step {
			step = math.Abs(diff)
		}
		st.current += math.Copysign(step, diff)
		if err := e.dev.SetVoltage(int(c), st.current); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ebeam: ramp write of %s: %w", c, err)
		}
		e.bus.channelEvent(EventRamp, c, st.current)
	}
	return firstErr
}

// Run drives Advance at TickPeriod until ctx is cancelled.  Write errors are
// logged, not fatal: the instrument side sees the last good value and the
// loop keeps trying on subsequent ticks.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(TickPeriod)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			if err := e.Advance(now); err != nil {
				log.Println(err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Current returns the last committed voltage of a channel and whether the
// engine has a record for it.
func (e *Engine) Current(c Channel) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[c]
	if !ok {
		return 0, false
	}
	return st.current, true
}

// Snapshot returns a copy of every recorded channel state, in the display
// order of Channels.
func (e *Engine) Snapshot() []Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Reading, 0, len(e.state))
	for _, c := range Channels() {
		if st, ok := e.state[c]; ok {
			out = append(out, Reading{Channel: c, Current: st.current, Target: st.target})
		}
	}
	return out
}

// settled reports whether a channel's current value is within tol of v.
// A channel with no record is never settled.
func (e *Engine) settled(c Channel, v, tol float64) bool {
	cur, ok := e.Current(c)
	if !ok {
		return false
	}
	return math.Abs(cur-v) < tol
}
