// Package main is a dev tool for running a local impedance session or watching a
// running robot's arm.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/robot/client"
	rutils "go.viam.com/rdk/utils"
	"go.viam.com/utils"
	"go.viam.com/utils/rpc"

	pandaarm "panda_arm"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.NewLogger("pandacli")

	c := pandaarm.Config{
		Driver: pandaarm.SimDriverName,
	}

	debug := false
	confirm := false
	drag := false
	moveJoint := -1
	moveAmount := 5.0
	hold := time.Duration(0)
	readJoints := ""
	armName := "panda"
	pollInterval := 100 * time.Millisecond

	flag.StringVar(&c.Driver, "driver", c.Driver, "device driver")
	flag.StringVar(&c.Host, "host", c.Host, "arm controller host")
	flag.Float64Var(&c.TranslationalStiffness, "stiffness", c.TranslationalStiffness, "translational stiffness in N/m")
	flag.Float64Var(&c.RotationalStiffness, "rot-stiffness", c.RotationalStiffness, "rotational stiffness in Nm/rad")
	flag.Float64Var(&c.CollisionThreshold, "collision-threshold", c.CollisionThreshold, "collision threshold in Nm and N")
	flag.IntVar(&c.MonitorPort, "monitor-port", c.MonitorPort, "serve the monitor on this port, 0 disables")
	flag.IntVar(&c.MonitorHz, "monitor-hz", c.MonitorHz, "joint stream rate")
	flag.IntVar(&moveJoint, "move-joint", moveJoint, "joint to move")
	flag.Float64Var(&moveAmount, "move-amount", moveAmount, "amount to move in degrees")
	flag.BoolVar(&drag, "drag", drag, "switch to drag mode after start")
	flag.DurationVar(&hold, "hold", hold, "keep the session running this long, until interrupted if negative")
	flag.BoolVar(&confirm, "confirm", confirm, "wait for Enter before starting torque control")
	flag.BoolVar(&debug, "debug", debug, "debug")
	flag.StringVar(&readJoints, "read-joints", readJoints, "robot address to poll joint positions from instead of running a session")
	flag.StringVar(&armName, "arm", armName, "arm name")
	flag.DurationVar(&pollInterval, "poll-interval", pollInterval, "joint polling interval for -read-joints")

	flag.Parse()

	if debug {
		logger.SetLevel(logging.DEBUG)
	}

	if readJoints != "" {
		return pollJoints(ctx, readJoints, armName, pollInterval, logger)
	}

	_, _, err := c.Validate("")
	if err != nil {
		return err
	}

	if confirm {
		logger.Warnf("collision thresholds are set to %.0f, make sure you have the user stop at hand", c.CollisionThreshold)
		fmt.Println("After starting try to push the robot and see how it reacts.")
		fmt.Println("Press Enter to continue...")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return err
		}
	}

	a, err := pandaarm.NewPandaArm(ctx, arm.Named(armName), &c, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(func() error {
		return a.Close(context.Background())
	})

	pos, err := waitForJoints(ctx, a)
	if err != nil {
		return err
	}
	logger.Infof("positions: %v", pos)

	if drag {
		if _, err := a.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "drag"}); err != nil {
			return err
		}
		logger.Info("drag mode, the arm can be moved by hand")
	}

	if moveJoint >= 0 {
		if moveJoint >= len(pos) {
			return fmt.Errorf("move-joint must be below %d", len(pos))
		}
		goal := append([]referenceframe.Input(nil), pos...)
		goal[moveJoint] += rutils.DegToRad(moveAmount)
		logger.Infof("moving to: %v", goal)
		if err := a.MoveToJointPositions(ctx, goal, nil); err != nil {
			return err
		}
		end, err := a.EndPosition(ctx, nil)
		if err != nil {
			return err
		}
		logger.Infof("settled at %v", end.Point())
	}

	if hold != 0 {
		holdCtx := ctx
		if hold > 0 {
			var cancel context.CancelFunc
			holdCtx, cancel = context.WithTimeout(ctx, hold)
			defer cancel()
		}
		logger.Info("holding session, interrupt to stop")
		<-holdCtx.Done()
	}

	stats, err := a.DoCommand(context.Background(), map[string]interface{}{"command": "bridge_stats"})
	if err != nil {
		return err
	}
	logger.Infof("session stats: %v", stats)
	return nil
}

// waitForJoints retries until the control loop has published a first state.
func waitForJoints(ctx context.Context, a arm.Arm) ([]referenceframe.Input, error) {
	for {
		pos, err := a.JointPositions(ctx, nil)
		if err == nil {
			return pos, nil
		}
		if !utils.SelectContextOrWait(ctx, 10*time.Millisecond) {
			return nil, err
		}
	}
}

// pollJoints prints the joint positions of a remote arm until the call fails.
func pollJoints(ctx context.Context, addr, name string, interval time.Duration, logger logging.Logger) error {
	robot, err := client.New(ctx, addr, logger, client.WithDialOptions(rpc.WithInsecure()))
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(func() error {
		return robot.Close(context.Background())
	})

	res, err := robot.ResourceByName(arm.Named(name))
	if err != nil {
		return err
	}
	a, ok := res.(arm.Arm)
	if !ok {
		return fmt.Errorf("%s is not an arm", name)
	}

	for utils.SelectContextOrWait(ctx, interval) {
		pos, err := a.JointPositions(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Println(pos)
	}
	return nil
}
