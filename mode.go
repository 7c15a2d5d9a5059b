package panda_arm

// ModeStateMachine holds the active control mode. Any delivered mode replaces the
// current one; there are no guards and no terminal state.
type ModeStateMachine struct {
	current Mode
}

// NewModeStateMachine starts in Target mode.
func NewModeStateMachine() *ModeStateMachine {
	return &ModeStateMachine{current: ModeTarget}
}

// Apply replaces the current mode and reports whether it changed.
func (m *ModeStateMachine) Apply(mode Mode) bool {
	changed := m.current != mode
	m.current = mode
	return changed
}

// Current returns the active mode.
func (m *ModeStateMachine) Current() Mode {
	return m.current
}

// Output returns the cycle's raw torque. Drag never consults track.
func (m *ModeStateMachine) Output(track func() Torques) Torques {
	if m.current != ModeTarget {
		return Torques{}
	}
	return track()
}
