package ebeam

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNamesRoundTrip(t *testing.T) {
	for _, c := range Channels() {
		parsed, err := ParseChannel(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseChannel("CATHODE")
	assert.Error(t, err)
}

func TestChannelPins(t *testing.T) {
	// the pin assignment is the card's wiring contract; a renumbering here
	// means someone rewired the instrument
	pins := map[Channel]int{
		Grid:            1,
		Focus:           2,
		BeamBlanking:    3,
		Filament:        4,
		Energy:          5,
		DeflectionX:     6,
		DeflectionY:     7,
		BeamRocking:     8,
		ComputerControl: 11,
	}
	for c, pin := range pins {
		assert.Equal(t, pin, int(c), "%s", c)
	}
}

func TestChannelJSONSpeaksNames(t *testing.T) {
	b, err := json.Marshal(Energy)
	require.NoError(t, err)
	assert.Equal(t, `"ENERGY"`, string(b))

	var c Channel
	require.NoError(t, json.Unmarshal([]byte(`"FILAMENT"`), &c))
	assert.Equal(t, Filament, c)

	assert.Error(t, json.Unmarshal([]byte(`4`), &c), "pin numbers are not part of the wire format")
	assert.Error(t, json.Unmarshal([]byte(`"CATHODE"`), &c))
}

func TestPolicyRampedChannels(t *testing.T) {
	p := NewPolicy(DefaultSettings())
	for _, c := range Channels() {
		row, ok := p.Row(c)
		require.True(t, ok, "%s", c)
		assert.Equal(t, c == Energy || c == Filament, row.Ramped, "%s", c)
	}
	_, ok := p.Row(Channel(9))
	assert.False(t, ok, "pin 9 is reserved")
}

func TestPolicyClamp(t *testing.T) {
	p := NewPolicy(DefaultSettings())
	assert.Equal(t, 10.0, p.Clamp(Grid, 12.0))
	assert.Equal(t, 0.0, p.Clamp(Grid, -1.0))
	assert.Equal(t, -10.0, p.Clamp(DeflectionX, -12.0), "deflections swing negative")
	assert.Equal(t, 7.5, p.Clamp(Energy, 7.5))
}

func TestPolicyPresets(t *testing.T) {
	s := DefaultSettings()
	p := NewPolicy(s)

	idle := p.PresetTargets(PresetIdle)
	assert.Equal(t, map[Channel]float64{Energy: s.EnergyIdle, Filament: s.FilamentIdle}, idle)

	work := p.PresetTargets(PresetWork)
	assert.Equal(t, map[Channel]float64{Energy: s.EnergyWork, Filament: s.FilamentWork}, work)

	assert.Equal(t, idle, p.IdleTargets())
}

func TestParsePreset(t *testing.T) {
	p, err := ParsePreset("work")
	require.NoError(t, err)
	assert.Equal(t, PresetWork, p)
	_, err = ParsePreset("standby")
	assert.Error(t, err)
}
