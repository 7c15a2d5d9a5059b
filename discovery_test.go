// discovery_test.go
package panda_arm

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

func TestFilterCandidateHosts(t *testing.T) {
	tests := []struct {
		name     string
		hosts    []string
		expected []string
	}{
		{
			name:     "IPv4 addresses",
			hosts:    []string{"172.16.0.2", " 192.168.1.10 ", "0.0.0.0"},
			expected: []string{"172.16.0.2", "192.168.1.10"},
		},
		{
			name:     "schemes and ports stripped",
			hosts:    []string{"http://172.16.0.2/", "https://panda.local", "172.16.0.3:1337"},
			expected: []string{"172.16.0.2", "panda.local", "172.16.0.3"},
		},
		{
			name:     "duplicates removed in order",
			hosts:    []string{"panda-2", "panda-1", "panda-2", "http://panda-1"},
			expected: []string{"panda-2", "panda-1"},
		},
		{
			name:     "invalid names",
			hosts:    []string{"", "bad_host", "-leading", "trailing-", "a..b", "224.0.0.1"},
			expected: []string{},
		},
		{
			name:     "IPv6",
			hosts:    []string{"fe80::1", "[::1]:1337"},
			expected: []string{"fe80::1", "::1"},
		},
		{
			name:     "Empty list",
			hosts:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterCandidateHosts(tt.hosts)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestHostsFromExtra(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, hostsFromExtra(map[string]any{"hosts": []string{"a", "b"}}))
	assert.Equal(t, []string{"a"}, hostsFromExtra(map[string]any{"hosts": []interface{}{"a", 3}}))
	assert.Equal(t, []string{"a", " b"}, hostsFromExtra(map[string]any{"hosts": "a, b"}))
	assert.Nil(t, hostsFromExtra(nil))
	assert.Nil(t, hostsFromExtra(map[string]any{"hosts": 5}))
}

func TestHostSuffix(t *testing.T) {
	assert.Equal(t, "192-168-1-101", hostSuffix("192.168.1.101"))
	assert.Equal(t, "fe80--1", hostSuffix("fe80::1"))
}

func TestDiscoverResources(t *testing.T) {
	dialed := []string{}
	dis := &pandaDiscovery{
		logger: logging.NewTestLogger(t),
		cfg:    &DiscoveryConfig{Hosts: []string{"172.16.0.2", "172.16.0.3"}},
		reach: func(ctx context.Context, addr string, timeout time.Duration) bool {
			dialed = append(dialed, addr)
			assert.Equal(t, defaultDialTimeout, timeout)
			return addr != "172.16.0.3:1337"
		},
	}

	configs, err := dis.DiscoverResources(context.Background(), map[string]any{"hosts": "panda.local,172.16.0.2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"172.16.0.2:1337", "172.16.0.3:1337", "panda.local:1337"}, dialed)

	require.Len(t, configs, 3)
	assert.Equal(t, "panda-arm-172-16-0-2", configs[0].Name)
	assert.Equal(t, Model, configs[0].Model)
	assert.Equal(t, FrankaDriverName, configs[0].Attributes["driver"])
	assert.Equal(t, "172.16.0.2", configs[0].Attributes["host"])
	assert.Equal(t, "panda-arm-panda-local", configs[1].Name)
	assert.Equal(t, "panda-arm-sim", configs[2].Name)
	assert.Equal(t, SimDriverName, configs[2].Attributes["driver"])
}

func TestDiscoverResourcesSkipSim(t *testing.T) {
	dis := &pandaDiscovery{
		logger: logging.NewTestLogger(t),
		cfg:    &DiscoveryConfig{SkipSim: true, DialTimeoutMs: 50},
		reach: func(ctx context.Context, addr string, timeout time.Duration) bool {
			assert.Equal(t, 50*time.Millisecond, timeout)
			return false
		},
	}
	configs, err := dis.DiscoverResources(context.Background(), map[string]any{"hosts": []string{"10.0.0.9"}})
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestDiscoverResourcesCancelled(t *testing.T) {
	dis := &pandaDiscovery{
		logger: logging.NewTestLogger(t),
		cfg:    &DiscoveryConfig{Hosts: []string{"10.0.0.9"}},
		reach: func(ctx context.Context, addr string, timeout time.Duration) bool {
			t.Error("no dial after cancellation")
			return false
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dis.DiscoverResources(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestControlPortOpen(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer utils.UncheckedErrorFunc(l.Close)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			utils.UncheckedError(conn.Close())
		}
	}()

	assert.True(t, controlPortOpen(context.Background(), l.Addr().String(), time.Second))

	port := l.Addr().(*net.TCPAddr).Port
	utils.UncheckedError(l.Close())
	assert.False(t, controlPortOpen(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond))
}

func TestDiscoveryConfigValidate(t *testing.T) {
	_, _, err := (&DiscoveryConfig{DialTimeoutMs: -1}).Validate("services.0")
	assert.Error(t, err)
	_, _, err = (&DiscoveryConfig{}).Validate("services.0")
	assert.NoError(t, err)
}
