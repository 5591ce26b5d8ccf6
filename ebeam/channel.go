/*Package ebeam operates the analog-output channels of a Staib electron beam
source through a USB acquisition card.

The package is split into three pieces that mirror the physical problem:

 1. a static channel policy (which pins exist, which must be ramped, and the
    calibration values they hold),
 2. a ramp engine that advances the two high-voltage channels toward their
    targets at a bounded rate on a fixed tick, and
 3. a handover coordinator that gates the COMPUTER CONTROL line and process
    shutdown on the instrument having reached its Idle state.

All hardware writes are serialized through a single DAC interface; the engine
owns the channel state table and other components see read-only snapshots.
*/
package ebeam

import "fmt"

// A Channel identifies one analog-output line on the acquisition card.
// The numeric value is the card pin; pins 9, 10 and 12+ are reserved or
// grounds and have no Channel.
type Channel int

// The full channel complement of the instrument.
const (
	Grid            Channel = 1
	Focus           Channel = 2
	BeamBlanking    Channel = 3
	Filament        Channel = 4
	Energy          Channel = 5
	DeflectionX     Channel = 6
	DeflectionY     Channel = 7
	BeamRocking     Channel = 8
	ComputerControl Channel = 11
)

// Channels returns every channel in display order.
func Channels() []Channel {
	return []Channel{
		Energy,
		Filament,
		Grid,
		Focus,
		DeflectionX,
		DeflectionY,
		BeamRocking,
		BeamBlanking,
		ComputerControl,
	}
}

func (c Channel) String() string {
	switch c {
	case Grid:
		return "GRID"
	case Focus:
		return "FOCUS"
	case BeamBlanking:
		return "BEAM_BLANKING"
	case Filament:
		return "FILAMENT"
	case Energy:
		return "ENERGY"
	case DeflectionX:
		return "DEFLECTION_X"
	case DeflectionY:
		return "DEFLECTION_Y"
	case BeamRocking:
		return "BEAM_ROCKING"
	case ComputerControl:
		return "COMPUTER_CONTROL"
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}

// ParseChannel maps a channel name, as returned by String, back to its
// Channel.  It is used at the HTTP boundary.
func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels() {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("ebeam: unknown channel %q", s)
}

// MarshalJSON encodes a Channel by name, which is what operators and the
// CLI speak; the pin number stays an implementation detail of the card.
func (c Channel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON decodes a Channel from its name.
func (c *Channel) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("ebeam: channel must be a JSON string, got %s", b)
	}
	parsed, err := ParseChannel(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Preset names a target-voltage pair for the two ramped channels.
type Preset int

// The two instrument states reachable by preset.
const (
	PresetIdle Preset = iota
	PresetWork
)

func (p Preset) String() string {
	if p == PresetWork {
		return "work"
	}
	return "idle"
}

// ParsePreset maps "idle" or "work" to a Preset.
func ParsePreset(s string) (Preset, error) {
	switch s {
	case "idle":
		return PresetIdle, nil
	case "work":
		return PresetWork, nil
	}
	return 0, fmt.Errorf("ebeam: unknown preset %q", s)
}

// Settings are the injected calibration constants for one instrument.  The
// core never hardwires a voltage; everything comes through here, typically
// from the daemon's yaml config.
type Settings struct {
	// EnergyIdle and EnergyWork are the standby and operating voltages of
	// the ENERGY channel, volts.
	EnergyIdle float64 `yaml:"energyIdle" koanf:"energyidle"`
	EnergyWork float64 `yaml:"energyWork" koanf:"energywork"`

	// FilamentIdle and FilamentWork are the standby and operating voltages
	// of the FILAMENT channel, volts.
	FilamentIdle float64 `yaml:"filamentIdle" koanf:"filamentidle"`
	FilamentWork float64 `yaml:"filamentWork" koanf:"filamentwork"`

	// EnergyRate and FilamentRate are ramp rates, volts per second.
	EnergyRate   float64 `yaml:"energyRate" koanf:"energyrate"`
	FilamentRate float64 `yaml:"filamentRate" koanf:"filamentrate"`

	// Calibration defaults for the direct channels, written once at startup.
	GridCal  float64 `yaml:"gridCal" koanf:"gridcal"`
	FocusCal float64 `yaml:"focusCal" koanf:"focuscal"`
	XCal     float64 `yaml:"xCal" koanf:"xcal"`
	YCal     float64 `yaml:"yCal" koanf:"ycal"`

	// ComputerControlOn is the voltage written to COMPUTER_CONTROL for the
	// "on" state.  The line is a logic input on the instrument side.
	ComputerControlOn float64 `yaml:"computerControlOn" koanf:"computercontrolon"`
}

// DefaultSettings returns the calibration sheet values for the instrument
// this package was written against.
func DefaultSettings() Settings {
	return Settings{
		EnergyIdle:        2.87, // 10 kV
		EnergyWork:        8.62, // 30 kV
		FilamentIdle:      4.13, // 1.0 A
		FilamentWork:      7.83, // 1.5 A
		EnergyRate:        0.08,
		FilamentRate:      0.08,
		GridCal:           3.23,
		FocusCal:          5.1,
		XCal:              2.72,
		YCal:              -2.28,
		ComputerControlOn: 5.0,
	}
}

// ChannelPolicy is one row of the policy table.
type ChannelPolicy struct {
	// Ramped marks a channel whose voltage must move at a bounded rate.
	Ramped bool

	// Min and Max bound the commandable voltage, volts.
	Min, Max float64

	// Default is the calibration or idle value the channel holds after
	// startup.
	Default float64

	// Rate is the ramp rate in volts per second.  Zero for direct channels.
	Rate float64
}

// Policy is the immutable per-channel reference table consulted by the ramp
// engine and the handover coordinator.
type Policy struct {
	settings Settings
	rows     map[Channel]ChannelPolicy
}

// NewPolicy builds the policy table from injected settings.
func NewPolicy(s Settings) *Policy {
	return &Policy{
		settings: s,
		rows: map[Channel]ChannelPolicy{
			Energy:          {Ramped: true, Min: 0, Max: 10, Default: s.EnergyIdle, Rate: s.EnergyRate},
			Filament:        {Ramped: true, Min: 0, Max: 10, Default: s.FilamentIdle, Rate: s.FilamentRate},
			Grid:            {Min: 0, Max: 10, Default: s.GridCal},
			Focus:           {Min: 0, Max: 10, Default: s.FocusCal},
			DeflectionX:     {Min: -10, Max: 10, Default: s.XCal},
			DeflectionY:     {Min: -10, Max: 10, Default: s.YCal},
			BeamRocking:     {Min: -10, Max: 10, Default: 0},
			BeamBlanking:    {Min: 0, Max: 10, Default: 0},
			ComputerControl: {Min: 0, Max: 10, Default: 0},
		},
	}
}

// Row returns the policy for a channel.  The boolean is false for a pin
// with no policy.
func (p *Policy) Row(c Channel) (ChannelPolicy, bool) {
	row, ok := p.rows[c]
	return row, ok
}

// mustRow is Row for callers where an unknown channel is a programming
// error, per the fail-fast contract of the engine.
func (p *Policy) mustRow(c Channel) ChannelPolicy {
	row, ok := p.rows[c]
	if !ok {
		panic(fmt.Sprintf("ebeam: channel %d is not in the policy table", int(c)))
	}
	return row
}

// Clamp limits v to the commandable range of c.
func (p *Policy) Clamp(c Channel, v float64) float64 {
	row := p.mustRow(c)
	if v < row.Min {
		return row.Min
	}
	if v > row.Max {
		return row.Max
	}
	return v
}

// PresetTargets returns the ramped-channel targets for a preset.
func (p *Policy) PresetTargets(pre Preset) map[Channel]float64 {
	s := p.settings
	if pre == PresetWork {
		return map[Channel]float64{Energy: s.EnergyWork, Filament: s.FilamentWork}
	}
	return map[Channel]float64{Energy: s.EnergyIdle, Filament: s.FilamentIdle}
}

// IdleTargets is shorthand for PresetTargets(PresetIdle); the handover
// coordinator consults it on every gate decision.
func (p *Policy) IdleTargets() map[Channel]float64 {
	return p.PresetTargets(PresetIdle)
}

// ComputerControlOn returns the configured "on" level for the protected
// line.
func (p *Policy) ComputerControlOn() float64 {
	return p.settings.ComputerControlOn
}
