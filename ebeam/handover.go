package ebeam

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// State is the handover coordinator's protection state.
type State int

// Coordinator states.  The two Pending states are transient: they hold only
// while the instrument ramps to Idle ahead of a protected action.
const (
	// Unprotected: COMPUTER_CONTROL is 0, manual intents flow freely.
	Unprotected State = iota

	// Protected: COMPUTER_CONTROL is on; manual voltage intents are locked
	// out at the presentation boundary.
	Protected

	// PendingIdleThenToggle: an Idle ramp is in flight, after which
	// COMPUTER_CONTROL will be switched on.
	PendingIdleThenToggle

	// PendingIdleThenShutdown: an Idle ramp is in flight, after which
	// COMPUTER_CONTROL will be forced off, the device session closed, and
	// shutdown completed.
	PendingIdleThenShutdown
)

func (s State) String() string {
	switch s {
	case Protected:
		return "protected"
	case PendingIdleThenToggle:
		return "pending-toggle"
	case PendingIdleThenShutdown:
		return "pending-shutdown"
	}
	return "unprotected"
}

// idleMargin is the fixed safety margin added to the estimated settle time
// of a deferred handover action.
const idleMargin = 100 * time.Millisecond

// A SessionCloser is the slice of the device gateway the coordinator needs
// to finish a shutdown.
type SessionCloser interface {
	Close() error
}

/*Coordinator implements the safety protocol around the COMPUTER_CONTROL
line and application shutdown.  Both protected actions are gated on the
instrument being Idle: ENERGY and FILAMENT within SettleTolerance of their
idle presets.

When the gate does not hold, the coordinator commands the Idle preset and
schedules the action after an estimated settle delay

	max(|ΔE|/rateE, |ΔF|/rateF) + 100ms

The estimate mirrors the behavior of the original panel; it is not a
synchronization primitive.  Callers that need fidelity to physical state
rather than to legacy timing should use WaitIdle, which polls the predicate
directly.
*/
type Coordinator struct {
	mu      sync.Mutex
	engine  *Engine
	session SessionCloser
	policy  *Policy
	bus     *Broadcaster
	state   State

	// schedule defaults to time.AfterFunc; tests substitute a capture.
	schedule func(time.Duration, func()) *time.Timer

	done         chan struct{}
	shutdownOnce sync.Once
}

// NewCoordinator wires a coordinator over the engine and device session.
func NewCoordinator(engine *Engine, session SessionCloser, policy *Policy, bus *Broadcaster) *Coordinator {
	return &Coordinator{
		engine:   engine,
		session:  session,
		policy:   policy,
		bus:      bus,
		schedule: time.AfterFunc,
		done:     make(chan struct{}),
	}
}

// State returns the current protection state.
func (co *Coordinator) State() State {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// Locked reports whether manual voltage intents should be refused: any
// state other than Unprotected.
func (co *Coordinator) Locked() bool {
	return co.State() != Unprotected
}

// Idle is the gate predicate: both ramped channels within SettleTolerance
// of their configured idle values.
func (co *Coordinator) Idle() bool {
	for c, v := range co.policy.IdleTargets() {
		if !co.engine.settled(c, v, SettleTolerance) {
			return false
		}
	}
	return true
}

// idleDelay estimates how long the ramped channels need to reach their idle
// targets from where they are now, plus the fixed margin.
func (co *Coordinator) idleDelay() time.Duration {
	var worst float64
	for c, v := range co.policy.IdleTargets() {
		row := co.policy.mustRow(c)
		cur, ok := co.engine.Current(c)
		if !ok || row.Rate <= 0 {
			continue
		}
		if secs := math.Abs(cur-v) / row.Rate; secs > worst {
			worst = secs
		}
	}
	return time.Duration(worst*float64(time.Second)) + idleMargin
}

// SetComputerControl toggles the protected line.  Switching off is always
// immediate.  Switching on is immediate only when the instrument is already
// Idle; otherwise the Idle preset is commanded and the toggle executes after
// the estimated settle delay.  The returned delay is zero for immediate
// execution.
func (co *Coordinator) SetComputerControl(on bool) (deferred bool, delay time.Duration, err error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if !on {
		if co.state == PendingIdleThenShutdown {
			return false, 0, fmt.Errorf("ebeam: shutdown in progress")
		}
		if err := co.engine.Direct(ComputerControl, 0); err != nil {
			return false, 0, err
		}
		co.state = Unprotected
		co.bus.message(EventHandover, "computer control off")
		return false, 0, nil
	}

	switch co.state {
	case Protected:
		return false, 0, nil
	case PendingIdleThenToggle:
		return true, 0, fmt.Errorf("ebeam: computer control toggle already pending")
	case PendingIdleThenShutdown:
		return false, 0, fmt.Errorf("ebeam: shutdown in progress")
	}

	if co.Idle() {
		if err := co.engine.Direct(ComputerControl, co.policy.ComputerControlOn()); err != nil {
			return false, 0, err
		}
		co.state = Protected
		co.bus.message(EventHandover, "computer control on")
		return false, 0, nil
	}

	co.engine.ApplyPreset(PresetIdle)
	delay = co.idleDelay()
	co.state = PendingIdleThenToggle
	co.bus.message(EventHandover, fmt.Sprintf("computer control deferred %s for idle ramp", delay))
	co.schedule(delay, func() {
		co.mu.Lock()
		defer co.mu.Unlock()
		if co.state != PendingIdleThenToggle {
			// a shutdown overtook the toggle; let it win
			return
		}
		if err := co.engine.Direct(ComputerControl, co.policy.ComputerControlOn()); err != nil {
			log.Println("ebeam: deferred computer control toggle:", err)
			co.state = Unprotected
			return
		}
		co.state = Protected
		co.bus.message(EventHandover, "computer control on")
	})
	return true, delay, nil
}

// Shutdown runs the shutdown protocol.  With computer control off the
// device session closes immediately.  With it on, the Idle preset is
// commanded and, after the estimated settle delay, COMPUTER_CONTROL is
// forced to 0 and the session closed.  Completion is signalled on Done.
// Shutdown is idempotent: later calls return the original disposition.
func (co *Coordinator) Shutdown() (deferred bool, delay time.Duration) {
	co.mu.Lock()
	defer co.mu.Unlock()

	switch co.state {
	case PendingIdleThenShutdown:
		return true, 0
	case Protected, PendingIdleThenToggle:
		co.engine.ApplyPreset(PresetIdle)
		delay = co.idleDelay()
		co.state = PendingIdleThenShutdown
		co.bus.message(EventShutdown, fmt.Sprintf("deferred %s for idle ramp", delay))
		co.schedule(delay, func() { co.finishShutdown(true) })
		return true, delay
	default:
		co.bus.message(EventShutdown, "immediate")
		go co.finishShutdown(false)
		return false, 0
	}
}

// finishShutdown forces the protected line off when required, closes the
// session, and signals Done.  Guarded so a double Shutdown or a racing
// closeEvent cannot fire it twice.
func (co *Coordinator) finishShutdown(forceOff bool) {
	co.shutdownOnce.Do(func() {
		if forceOff {
			if err := co.engine.Direct(ComputerControl, 0); err != nil {
				log.Println("ebeam: forcing computer control off:", err)
			}
		}
		if err := co.session.Close(); err != nil {
			log.Println("ebeam: closing device session:", err)
		}
		co.mu.Lock()
		co.state = Unprotected
		co.mu.Unlock()
		co.bus.message(EventShutdown, "complete")
		close(co.done)
	})
}

// Done is closed once shutdown has fully completed (session closed, line
// forced off when applicable).  The surrounding process should not exit
// before it.
func (co *Coordinator) Done() <-chan struct{} {
	return co.done
}

// WaitIdle polls the Idle predicate at the tick cadence until it holds or
// ctx ends.  This is the recommended alternative to the estimate-based
// delay when physical certainty matters more than legacy timing.
func (co *Coordinator) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(TickPeriod)
	defer t.Stop()
	for {
		if co.Idle() {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
