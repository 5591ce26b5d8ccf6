/*Package usb3000 drives the USB-3000 series data acquisition card that
carries the instrument's analog-output lines.

The card is a single shared resource with exactly one interesting operation:
"set channel N to voltage V, now".  When the card (or libusb) is missing the
device falls back permanently to a simulated mode that is observably
identical to callers: every write succeeds and is logged the same way, no
physical I/O happens.  Upper layers never branch on the mode.
*/
package usb3000

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"
	"golang.org/x/time/rate"
)

// DefaultVID and DefaultPID identify the first-generation USB-3000 card.
const (
	DefaultVID = 0x09db
	DefaultPID = 0x3000
)

// Device is one card session.  Create it with New or NewSimulated, Open it
// once at startup, Close it exactly once at shutdown.
type Device struct {
	mu sync.Mutex

	vid, pid  uint16
	simulated bool
	open      bool

	ctx       *gousb.Context
	dev       *gousb.Device
	iface     *gousb.Interface
	ifaceDone func()
	out       *gousb.OutEndpoint

	// writes land at 20 Hz per moving channel during a ramp; the log line
	// per write is kept (it is the observable side effect the panel's log
	// panel consumes) but throttled so ramps do not drown the journal.
	logLimit *rate.Limiter
}

// New returns an unopened device for the card at vid/pid.
func New(vid, pid uint16) *Device {
	return &Device{
		vid:      vid,
		pid:      pid,
		logLimit: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
	}
}

// NewSimulated returns a device that is simulated from birth.  Used by the
// `simulated: true` config override and by tests.
func NewSimulated() *Device {
	d := New(DefaultVID, DefaultPID)
	d.simulated = true
	return d
}

// Open acquires the hardware session.  Any failure -- libusb missing, card
// absent, endpoint claim refused -- switches the device permanently to
// simulated mode with a single logged warning; the device is usable either
// way and nothing is retried.  The return value is true only when real
// hardware was acquired.
func (d *Device) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return !d.simulated
	}
	d.open = true
	if d.simulated {
		log.Println("usb3000: running simulated (by configuration)")
		return false
	}
	if err := d.openUSB(); err != nil {
		d.releaseUSB()
		d.simulated = true
		log.Printf("usb3000: could not open card %04x:%04x (%v); running simulated", d.vid, d.pid, err)
		return false
	}
	log.Printf("usb3000: card %04x:%04x open", d.vid, d.pid)
	return true
}

func (d *Device) openUSB() error {
	var err error
	d.ctx = gousb.NewContext()
	d.dev, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(d.vid), gousb.ID(d.pid))
	if err != nil {
		return err
	}
	if d.dev == nil {
		return fmt.Errorf("no device found")
	}
	if err = d.dev.SetAutoDetach(true); err != nil {
		return err
	}
	d.iface, d.ifaceDone, err = d.dev.DefaultInterface()
	if err != nil {
		return err
	}
	d.out, err = d.iface.OutEndpoint(1)
	return err
}

// releaseUSB tears down whatever openUSB managed to build.
func (d *Device) releaseUSB() {
	if d.ifaceDone != nil {
		d.ifaceDone()
		d.ifaceDone = nil
	}
	d.iface = nil
	d.out = nil
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
}

// SetVoltage writes a voltage to a channel immediately, no queuing.  In
// simulated mode there is no physical I/O but the observable behavior is
// identical.  Errors only occur for real-hardware transport failures.
func (d *Device) SetVoltage(channel int, voltage float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fmt.Errorf("usb3000: SetVoltage on closed device")
	}
	if d.logLimit.Allow() {
		log.Printf("usb3000: channel %d <- %.2f V", channel, voltage)
	}
	if d.simulated {
		return nil
	}
	frame := encodeAOImmediately(byte(channel), float32(voltage))
	n, err := d.out.Write(frame[:])
	if err != nil {
		return fmt.Errorf("usb3000: write channel %d: %w", channel, err)
	}
	if n != len(frame) {
		return fmt.Errorf("usb3000: short write, %d of %d bytes", n, len(frame))
	}
	return nil
}

// Close releases the hardware session if one is held.  Idempotent; closing
// a closed or simulated device is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	if d.simulated {
		return nil
	}
	d.releaseUSB()
	log.Println("usb3000: card closed")
	return nil
}

// Simulated reports whether the device is in simulated mode.  It exists for
// the startup warning only; operational code must not branch on it.
func (d *Device) Simulated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.simulated
}
