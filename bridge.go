package panda_arm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// DefaultStateBuffer is the per-subscriber queue depth for published states.
	DefaultStateBuffer = 16

	// inbound queues only need to hold the newest value, the rest is slack for
	// bursts between two control cycles
	commandQueueDepth = 10
)

// BridgeStats is a snapshot of the bridge counters.
type BridgeStats struct {
	Subscribers    int    `json:"subscribers"`
	CommandSenders int    `json:"command_senders"`
	ModeSenders    int    `json:"mode_senders"`
	Published      uint64 `json:"published"`
	Dropped        uint64 `json:"dropped"`
	Overwritten    uint64 `json:"overwritten"`
	CommandsClosed bool   `json:"commands_closed"`
	Shutdown       bool   `json:"shutdown"`
}

// ControlBridge moves robot state out of the control loop and target/mode updates
// into it. Every operation used by the control loop returns immediately.
//
// TryTakeCommand, TryTakeMode, PublishState and Shutdown belong to the control
// loop goroutine. Everything else may be called from any goroutine.
type ControlBridge struct {
	stateBuffer int

	commands chan TargetCommand
	modes    chan Mode

	sendMu         sync.Mutex
	commandSenders int
	modeSenders    int
	commandsClosed bool
	modesClosed    bool

	subMu       sync.Mutex
	subscribers atomic.Pointer[[]*StateSubscription]

	shutdown    atomic.Bool
	published   atomic.Uint64
	dropped     atomic.Uint64
	overwritten atomic.Uint64
}

// NewControlBridge creates a bridge whose subscribers each buffer up to
// stateBuffer states. A non-positive value selects DefaultStateBuffer.
func NewControlBridge(stateBuffer int) *ControlBridge {
	if stateBuffer <= 0 {
		stateBuffer = DefaultStateBuffer
	}
	b := &ControlBridge{
		stateBuffer: stateBuffer,
		commands:    make(chan TargetCommand, commandQueueDepth),
		modes:       make(chan Mode, commandQueueDepth),
	}
	b.subscribers.Store(&[]*StateSubscription{})
	return b
}

// TryTakeCommand returns the newest pending command, discarding older ones.
// ErrDisconnected means every command sender is closed and nothing is left to read.
func (b *ControlBridge) TryTakeCommand() (TargetCommand, bool, error) {
	var (
		latest TargetCommand
		got    bool
	)
	for {
		select {
		case cmd, ok := <-b.commands:
			if !ok {
				if got {
					return latest, true, nil
				}
				return TargetCommand{}, false, ErrDisconnected
			}
			latest, got = cmd, true
		default:
			return latest, got, nil
		}
	}
}

// TryTakeMode returns the newest pending mode, discarding older ones.
func (b *ControlBridge) TryTakeMode() (Mode, bool) {
	var (
		latest Mode
		got    bool
	)
	for {
		select {
		case m, ok := <-b.modes:
			if !ok {
				return latest, got
			}
			latest, got = m, true
		default:
			return latest, got
		}
	}
}

// PublishState fans the state out to every current subscriber. A full subscriber
// queue loses its oldest entry; other subscribers are unaffected.
func (b *ControlBridge) PublishState(state RobotState) {
	if b.shutdown.Load() {
		return
	}
	b.published.Add(1)
	for _, sub := range *b.subscribers.Load() {
		select {
		case sub.ch <- state:
			continue
		default:
		}
		// only this goroutine sends, so one eviction always makes room
		select {
		case <-sub.ch:
			b.countDrop(sub)
		default:
		}
		select {
		case sub.ch <- state:
		default:
			b.countDrop(sub)
		}
	}
}

// countDrop records an overflow. A latest-value subscriber only ever wants the
// newest state, so its evictions are not counted.
func (b *ControlBridge) countDrop(sub *StateSubscription) {
	if sub.latestOnly {
		return
	}
	sub.dropped.Add(1)
	b.dropped.Add(1)
}

// Shutdown marks the control loop as gone. Pending and future sends fail with
// ErrDisconnected and every state subscription is closed.
func (b *ControlBridge) Shutdown() {
	b.sendMu.Lock()
	alreadyDown := b.shutdown.Swap(true)
	b.sendMu.Unlock()
	if alreadyDown {
		return
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, sub := range *b.subscribers.Load() {
		close(sub.ch)
	}
	b.subscribers.Store(&[]*StateSubscription{})
}

// IsShutdown reports whether the control loop has exited.
func (b *ControlBridge) IsShutdown() bool {
	return b.shutdown.Load()
}

// Subscribe registers a new read-only observer of published states. Subscribing
// after Shutdown yields an already closed subscription.
func (b *ControlBridge) Subscribe() *StateSubscription {
	return b.subscribe(b.stateBuffer, false)
}

// SubscribeLatest registers an observer that only keeps the newest state, for
// readers that poll with Latest. Replaced states do not count as dropped.
func (b *ControlBridge) SubscribeLatest() *StateSubscription {
	return b.subscribe(1, true)
}

func (b *ControlBridge) subscribe(depth int, latestOnly bool) *StateSubscription {
	sub := &StateSubscription{
		ID:         uuid.New(),
		ch:         make(chan RobotState, depth),
		latestOnly: latestOnly,
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.shutdown.Load() {
		close(sub.ch)
		return sub
	}
	current := *b.subscribers.Load()
	next := make([]*StateSubscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	b.subscribers.Store(&next)
	return sub
}

// Unsubscribe stops delivery to sub. Its queue is left open and is reclaimed with
// the subscription.
func (b *ControlBridge) Unsubscribe(sub *StateSubscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	current := *b.subscribers.Load()
	next := make([]*StateSubscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subscribers.Store(&next)
}

// NewCommandSender opens a handle for pushing target commands. Once every handle
// ever opened is closed the command channel closes for good and the control loop
// stops.
func (b *ControlBridge) NewCommandSender() (*CommandSender, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.shutdown.Load() || b.commandsClosed {
		return nil, ErrDisconnected
	}
	b.commandSenders++
	return &CommandSender{bridge: b}, nil
}

// NewModeSender opens a handle for pushing mode changes.
func (b *ControlBridge) NewModeSender() (*ModeSender, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.shutdown.Load() || b.modesClosed {
		return nil, ErrDisconnected
	}
	b.modeSenders++
	return &ModeSender{bridge: b}, nil
}

// Stats returns the bridge counters.
func (b *ControlBridge) Stats() BridgeStats {
	b.sendMu.Lock()
	stats := BridgeStats{
		CommandSenders: b.commandSenders,
		ModeSenders:    b.modeSenders,
		CommandsClosed: b.commandsClosed,
	}
	b.sendMu.Unlock()
	stats.Subscribers = len(*b.subscribers.Load())
	stats.Published = b.published.Load()
	stats.Dropped = b.dropped.Load()
	stats.Overwritten = b.overwritten.Load()
	stats.Shutdown = b.shutdown.Load()
	return stats
}

func (b *ControlBridge) sendCommand(cmd TargetCommand) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.shutdown.Load() || b.commandsClosed {
		return ErrDisconnected
	}
	for {
		select {
		case b.commands <- cmd:
			return nil
		default:
		}
		select {
		case <-b.commands:
			b.overwritten.Add(1)
		default:
		}
	}
}

func (b *ControlBridge) sendMode(m Mode) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.shutdown.Load() || b.modesClosed {
		return ErrDisconnected
	}
	for {
		select {
		case b.modes <- m:
			return nil
		default:
		}
		select {
		case <-b.modes:
			b.overwritten.Add(1)
		default:
		}
	}
}

func (b *ControlBridge) releaseCommandSender() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.commandSenders--
	if b.commandSenders == 0 && !b.commandsClosed {
		b.commandsClosed = true
		close(b.commands)
	}
}

func (b *ControlBridge) releaseModeSender() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.modeSenders--
	if b.modeSenders == 0 && !b.modesClosed {
		b.modesClosed = true
		close(b.modes)
	}
}

// CommandSender pushes target commands into the control loop.
type CommandSender struct {
	bridge    *ControlBridge
	closeOnce sync.Once
	closed    atomic.Bool
}

// Send queues cmd, replacing anything the control loop has not picked up yet.
func (s *CommandSender) Send(cmd TargetCommand) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	return s.bridge.sendCommand(cmd)
}

// Close releases the handle. It is safe to call more than once.
func (s *CommandSender) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bridge.releaseCommandSender()
	})
}

// ModeSender pushes mode changes into the control loop.
type ModeSender struct {
	bridge    *ControlBridge
	closeOnce sync.Once
	closed    atomic.Bool
}

// Send queues m, replacing anything the control loop has not picked up yet.
func (s *ModeSender) Send(m Mode) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	return s.bridge.sendMode(m)
}

// Close releases the handle. It is safe to call more than once.
func (s *ModeSender) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bridge.releaseModeSender()
	})
}

// StateSubscription is a read-only stream of published states.
type StateSubscription struct {
	ID uuid.UUID

	ch         chan RobotState
	latestOnly bool
	dropped    atomic.Uint64

	mu     sync.Mutex
	last   RobotState
	seen   bool
	closed bool
}

// Recv blocks for the next published state. ErrDisconnected means the control
// loop has exited.
func (s *StateSubscription) Recv(ctx context.Context) (RobotState, error) {
	select {
	case <-ctx.Done():
		return RobotState{}, ctx.Err()
	case state, ok := <-s.ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !ok {
			s.closed = true
			return RobotState{}, ErrDisconnected
		}
		s.last, s.seen = state, true
		return state, nil
	}
}

// Latest drains the queue without blocking and returns the newest state seen by
// this subscription. ErrNoState means nothing has been published since it was
// created.
func (s *StateSubscription) Latest() (RobotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed {
		select {
		case state, ok := <-s.ch:
			if !ok {
				s.closed = true
				continue
			}
			s.last, s.seen = state, true
			continue
		default:
		}
		break
	}
	if s.closed {
		return RobotState{}, ErrDisconnected
	}
	if !s.seen {
		return RobotState{}, ErrNoState
	}
	return s.last, nil
}

// Dropped is the number of states this subscriber lost to queue overflow.
func (s *StateSubscription) Dropped() uint64 {
	return s.dropped.Load()
}
