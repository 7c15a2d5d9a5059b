package panda_arm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// how long Stop waits for the loop to see the closed command channel before it
// cancels the device loop outright
const stopGracePeriod = 2 * time.Second

// Session is one running control loop together with the service that talks to it.
type Session struct {
	Bridge     *ControlBridge
	Controller *RobotController
	Service    *RobotService

	device Device
	logger logging.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
	stopErr  error
}

// StartSession sets up a controller on device and starts its control loop on a
// dedicated goroutine. The device is closed when the session stops.
func StartSession(ctx context.Context, device Device, cfg ControllerConfig, stateBuffer int, logger logging.Logger) (*Session, error) {
	bridge := NewControlBridge(stateBuffer)
	// the service must hold a command sender before the loop starts, otherwise the
	// first cycle would see a closed command channel
	service, err := NewRobotService(bridge)
	if err != nil {
		return nil, err
	}
	controller, err := NewRobotController(ctx, device, bridge, cfg, logger)
	if err != nil {
		service.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Bridge:     bridge,
		Controller: controller,
		Service:    service,
		device:     device,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	utils.PanicCapturingGoWithCallback(func() {
		defer close(s.done)
		s.setErr(controller.Run(runCtx))
	}, func(err interface{}) {
		s.setErr(&DeviceFaultError{Err: fmt.Errorf("control loop panicked: %v", err)})
	})
	return s, nil
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Done is closed once the control loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the loop exited, nil while it runs or after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether the control loop is still cycling.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop closes the service, which ends the loop through the closed command
// channel, and cancels the device loop if that does not happen within the grace
// period. The device is closed afterwards.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.Service.Close()

		timer := time.NewTimer(stopGracePeriod)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("control loop did not stop on its own, cancelling it")
			s.cancel()
			<-s.done
		case <-ctx.Done():
			s.cancel()
			<-s.done
		}
		s.cancel()

		var err error
		if loopErr := s.Err(); loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			err = multierr.Append(err, loopErr)
		}
		err = multierr.Append(err, s.device.Close())
		s.stopErr = err
	})
	return s.stopErr
}
