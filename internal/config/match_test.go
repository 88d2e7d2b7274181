package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("*", "anything"))
	assert.True(t, MatchPattern("voice_?", "voice_1"))
	assert.False(t, MatchPattern("voice_?", "voice_12"))
	assert.True(t, MatchPattern("*maint*", "aircraft-maintenance-1"))
	assert.False(t, MatchPattern("*maint*", "aircraft-ops-1"))
	assert.True(t, MatchPattern("exact", "exact"))
	assert.False(t, MatchPattern("exact", "exactly"))
}

func TestParseAltitudeSpec(t *testing.T) {
	spec := ParseAltitudeSpec("-5000")
	assert.True(t, spec.Admits(0))
	assert.True(t, spec.Admits(5000))
	assert.False(t, spec.Admits(5001))

	spec = ParseAltitudeSpec("20000-")
	assert.True(t, spec.Admits(20000))
	assert.True(t, spec.Admits(40000))
	assert.False(t, spec.Admits(19999))

	spec = ParseAltitudeSpec("not 1000-2000")
	assert.False(t, spec.Admits(1500))
	assert.True(t, spec.Admits(500))
	assert.True(t, spec.Admits(2500))

	spec = ParseAltitudeSpec("1000-2000,5000-6000")
	assert.True(t, spec.Admits(1500))
	assert.True(t, spec.Admits(5500))
	assert.False(t, spec.Admits(3000))

	empty := ParseAltitudeSpec("")
	assert.True(t, empty.Admits(123456))
}

func TestParseAirportSpec(t *testing.T) {
	spec := ParseAirportSpec("not KSEA,KLAX")
	assert.False(t, spec.Admits("KSEA"))
	assert.False(t, spec.Admits("klax"))
	assert.True(t, spec.Admits("KORD"))

	spec = ParseAirportSpec("KJFK")
	assert.True(t, spec.Admits("KJFK"))
	assert.False(t, spec.Admits("KORD"))
}
