package panda_arm

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/utils"
)

var DiscoveryModel = resource.NewModel("eyeindesk", "panda", "discovery")

const (
	// ControlPort is the TCP port the arm's controller accepts sessions on.
	ControlPort         = 1337
	defaultDialTimeout = 500 * time.Millisecond

	// FrankaDriverName is the driver proposed for discovered hardware. Its
	// transport registers itself with RegisterDeviceDriver when linked in.
	FrankaDriverName = "franka"
)

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newPandaDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service.
type DiscoveryConfig struct {
	// Hosts are dialed on every discovery run, in addition to extra["hosts"].
	Hosts         []string `json:"hosts,omitempty"`
	DialTimeoutMs int      `json:"dial_timeout_ms,omitempty"`
	// SkipSim leaves the simulated arm out of the proposals.
	SkipSim bool `json:"skip_sim,omitempty"`
}

func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.DialTimeoutMs < 0 {
		return nil, nil, resource.NewConfigValidationError(path, errors.New("dial_timeout_ms must not be negative"))
	}
	return nil, nil, nil
}

type pandaDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *DiscoveryConfig
	reach  func(ctx context.Context, addr string, timeout time.Duration) bool
}

func newPandaDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	return &pandaDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		cfg:    cfg,
		reach:  controlPortOpen,
	}, nil
}

// DiscoverResources dials candidate hosts for an arm controller and proposes an
// arm config for each one that answers, plus a simulated arm.
func (dis *pandaDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting panda discovery")

	hosts := append([]string{}, dis.cfg.Hosts...)
	hosts = append(hosts, hostsFromExtra(extra)...)
	candidates := filterCandidateHosts(hosts)
	dis.logger.Debugf("Filtered %d hosts to %d candidates", len(hosts), len(candidates))

	timeout := defaultDialTimeout
	if dis.cfg.DialTimeoutMs > 0 {
		timeout = time.Duration(dis.cfg.DialTimeoutMs) * time.Millisecond
	}

	var configs []resource.Config
	for _, host := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		addr := net.JoinHostPort(host, strconv.Itoa(ControlPort))
		if !dis.reach(ctx, addr, timeout) {
			dis.logger.Debugf("No arm controller answering on %s", addr)
			continue
		}
		dis.logger.Infof("Discovered arm controller on %s", addr)
		configs = append(configs, armConfigForHost(host))
	}

	if !dis.cfg.SkipSim {
		configs = append(configs, resource.Config{
			Name:       "panda-arm-sim",
			API:        arm.API,
			Model:      Model,
			Attributes: map[string]interface{}{"driver": SimDriverName},
		})
	}

	dis.logger.Infof("Discovered %d component configurations", len(configs))
	return configs, nil
}

func armConfigForHost(host string) resource.Config {
	return resource.Config{
		Name:  "panda-arm-" + hostSuffix(host),
		API:   arm.API,
		Model: Model,
		Attributes: map[string]interface{}{
			"driver": FrankaDriverName,
			"host":   host,
		},
	}
}

func hostsFromExtra(extra map[string]any) []string {
	switch v := extra["hosts"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, h := range v {
			if s, ok := h.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

// filterCandidateHosts trims, strips schemes and ports, drops anything that is not
// a plausible host name or IP and removes duplicates, keeping the first order.
func filterCandidateHosts(hosts []string) []string {
	candidates := []string{}
	seen := map[string]bool{}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		h = strings.TrimPrefix(h, "http://")
		h = strings.TrimPrefix(h, "https://")
		h = strings.TrimSuffix(h, "/")
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if !isCandidateHost(h) || seen[h] {
			continue
		}
		seen[h] = true
		candidates = append(candidates, h)
	}
	return candidates
}

func isCandidateHost(h string) bool {
	if h == "" {
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsUnspecified() && !ip.IsMulticast()
	}
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}

// hostSuffix makes a resource-name friendly suffix from a host
// 192.168.1.101 -> "192-168-1-101"
// fe80::1 -> "fe80--1"
func hostSuffix(host string) string {
	return strings.NewReplacer(".", "-", ":", "-").Replace(host)
}

func controlPortOpen(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	utils.UncheckedError(conn.Close())
	return true
}
