package panda_arm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeFromCode(t *testing.T) {
	assert.Equal(t, ModeTarget, ModeFromCode(0))
	assert.Equal(t, ModeDrag, ModeFromCode(1))
	assert.Equal(t, ModeDrag, ModeFromCode(-3))
	assert.Equal(t, ModeDrag, ModeFromCode(42))

	assert.Equal(t, ModeTarget, ParseMode(" Target "))
	assert.Equal(t, ModeDrag, ParseMode("drag"))
	assert.Equal(t, ModeDrag, ParseMode("bogus"))
}

func TestModeStateMachine(t *testing.T) {
	m := NewModeStateMachine()
	assert.Equal(t, ModeTarget, m.Current())

	calls := 0
	track := func() Torques {
		calls++
		return Torques{1, 2, 3}
	}

	assert.Equal(t, Torques{1, 2, 3}, m.Output(track))
	assert.Equal(t, 1, calls)

	assert.True(t, m.Apply(ModeDrag))
	assert.False(t, m.Apply(ModeDrag))
	assert.Equal(t, Torques{}, m.Output(track))
	assert.Equal(t, 1, calls, "drag must not run the impedance law")

	assert.True(t, m.Apply(ModeTarget))
	assert.Equal(t, Torques{1, 2, 3}, m.Output(track))
	assert.Equal(t, 2, calls)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "target", ModeTarget.String())
	assert.Equal(t, "drag", ModeDrag.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}
