package panda_arm

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// JointFrameSize is the length of one websocket joint frame: seven little-endian
// float64 joint positions.
const JointFrameSize = NumJoints * 8

const wsWriteTimeout = time.Second

// MonitorConfig configures the monitor HTTP server.
type MonitorConfig struct {
	// Addr to listen on, e.g. ":8000".
	Addr string
	// Period is the minimum spacing of joint frames on /jointsWs.
	Period time.Duration
}

type targetRequest struct {
	Transform *[16]float64 `json:"transform" binding:"required"`
}

type modeRequest struct {
	Mode *int `json:"mode" binding:"required"`
}

// Monitor serves the robot service over HTTP and streams joint positions over a
// websocket for browser front ends.
type Monitor struct {
	service *RobotService
	bridge  *ControlBridge
	cfg     MonitorConfig
	logger  logging.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	ctx      context.Context
	workers  sync.WaitGroup
	closed   bool
}

// NewMonitor builds the routes. Call Start to listen, or use Handler directly.
func NewMonitor(service *RobotService, bridge *ControlBridge, cfg MonitorConfig, logger logging.Logger) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = time.Second / DefaultMonitorHz
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		service: service,
		bridge:  bridge,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	api := r.Group("/api")
	api.GET("/robot", m.handleGetRobot)
	api.POST("/target", m.handleSetTarget)
	api.POST("/mode", m.handleSetMode)
	api.GET("/health", m.handleHealth)
	r.GET("/jointsWs", m.handleJointsWS)

	m.engine = r
	return m
}

// Handler exposes the routes, mostly for tests.
func (m *Monitor) Handler() http.Handler {
	return m.engine
}

// Start listens on the configured address and serves in the background.
func (m *Monitor) Start() error {
	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "monitor failed to listen on %s", m.cfg.Addr)
	}
	srv := &http.Server{Handler: m.engine, ReadHeaderTimeout: 5 * time.Second}

	m.mu.Lock()
	m.server, m.listener = srv, ln
	m.mu.Unlock()

	m.workers.Add(1)
	utils.ManagedGo(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("monitor server stopped: %v", err)
		}
	}, m.workers.Done)

	m.logger.Infof("monitor listening on http://%s", ln.Addr())
	return nil
}

// Addr is the bound listen address, empty before Start.
func (m *Monitor) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Close stops the server and every open joint stream.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	srv := m.server
	m.mu.Unlock()
	m.cancel()

	var err error
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	m.workers.Wait()
	return err
}

func (m *Monitor) handleGetRobot(c *gin.Context) {
	info, err := m.service.GetRobotInfo()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (m *Monitor) handleSetTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.service.SetRobotTarget(*req.Transform); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (m *Monitor) handleSetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := m.service.SetRobotMode(*req.Mode); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "mode": m.service.Mode().String()})
}

func (m *Monitor) handleHealth(c *gin.Context) {
	stats := m.bridge.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": !stats.Shutdown,
		"mode":    m.service.Mode().String(),
		"bridge":  stats,
	})
}

func (m *Monitor) handleJointsWS(c *gin.Context) {
	// workers.Add must not race the Wait in Close
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor closed"})
		return
	}
	m.workers.Add(1)
	m.mu.Unlock()
	defer m.workers.Done()

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer utils.UncheckedErrorFunc(conn.Close)

	sub := m.bridge.SubscribeLatest()
	defer m.bridge.Unsubscribe(sub)

	// the reader only watches for the client going away
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	var lastSent time.Duration = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := sub.Latest()
		switch {
		case errors.Is(err, ErrNoState):
			continue
		case err != nil:
			utils.UncheckedError(conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "control session closed"),
				time.Now().Add(wsWriteTimeout)))
			return
		}
		if state.Time == lastSent {
			continue
		}
		lastSent = state.Time

		utils.UncheckedError(conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)))
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeJointFrame(state.Q)); err != nil {
			m.logger.Debugf("joint stream closed: %v", err)
			return
		}
	}
}

// EncodeJointFrame packs joint positions as little-endian float64s.
func EncodeJointFrame(q [NumJoints]float64) []byte {
	buf := make([]byte, JointFrameSize)
	for i, v := range q {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// DecodeJointFrame is the inverse of EncodeJointFrame.
func DecodeJointFrame(buf []byte) ([NumJoints]float64, error) {
	var q [NumJoints]float64
	if len(buf) != JointFrameSize {
		return q, errors.Errorf("joint frame must be %d bytes, got %d", JointFrameSize, len(buf))
	}
	for i := range q {
		q[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return q, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoState):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, ErrMalformedTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
