package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefs() []ListenerDef {
	return []ListenerDef{
		{
			Protocol: "vmess",
			BindPort: 10001,
			Backends: []BackendDef{{
				Host:            "203.0.113.5",
				Port:            10001,
				CheckIntervalMs: 2000,
				CheckTimeoutMs:  1500,
				UpThreshold:     1,
				DownThreshold:   3,
			}},
		},
	}
}

func TestBuild_Valid(t *testing.T) {
	specs, err := Build(validDefs())
	require.NoError(t, err)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, "vmess", spec.Protocol)
	assert.Equal(t, "0.0.0.0:10001", spec.BindAddress())
	require.Len(t, spec.Backends, 1)
	assert.Equal(t, "203.0.113.5:10001", spec.Backends[0].Address())
	assert.Equal(t, 2*time.Second, spec.Backends[0].CheckInterval)
	assert.Equal(t, 1500*time.Millisecond, spec.Backends[0].CheckTimeout)
}

func TestBuild_DuplicateBindPort(t *testing.T) {
	defs := validDefs()
	dup := defs[0]
	dup.Protocol = "vless"
	defs = append(defs, dup)

	_, err := Build(defs)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "vless.bind_port", cfgErr.Field)
}

func TestBuild_EmptyBackendList(t *testing.T) {
	defs := validDefs()
	defs[0].Backends = nil

	_, err := Build(defs)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "vmess.backend", cfgErr.Field)
}

func TestBuild_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BackendDef)
		field  string
	}{
		{"zero interval", func(b *BackendDef) { b.CheckIntervalMs = 0 }, "vmess.backend[0].check_interval_ms"},
		{"negative timeout", func(b *BackendDef) { b.CheckTimeoutMs = -5 }, "vmess.backend[0].check_timeout_ms"},
		{"zero up threshold", func(b *BackendDef) { b.UpThreshold = 0 }, "vmess.backend[0].up_threshold"},
		{"zero down threshold", func(b *BackendDef) { b.DownThreshold = 0 }, "vmess.backend[0].down_threshold"},
		{"empty host", func(b *BackendDef) { b.Host = "" }, "vmess.backend[0].host"},
		{"bad backend port", func(b *BackendDef) { b.Port = 70000 }, "vmess.backend[0].port"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defs := validDefs()
			tc.mutate(&defs[0].Backends[0])
			_, err := Build(defs)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestBuild_RejectsBadBindPort(t *testing.T) {
	defs := validDefs()
	defs[0].BindPort = 0
	_, err := Build(defs)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "vmess.bind_port", cfgErr.Field)
}

func writeTempIni(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portbridge.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadIni(t *testing.T) {
	path := writeTempIni(t, `
[log]
level = debug

[server]
drain_grace_ms = 500

[web]
port = 9090

[listener.vmess]
bind_port = 10001
backend = 203.0.113.5:10001
backend = 203.0.113.6:10001
down_threshold = 5

[listener.trojan]
bind_addr = 127.0.0.1
bind_port = 10003
backend = 203.0.113.5:10003
`)

	cfg, err := LoadIni(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.DrainGrace())
	require.Len(t, cfg.Listeners, 2)

	vmess := cfg.Listeners[0]
	assert.Equal(t, "vmess", vmess.Protocol)
	require.Len(t, vmess.Backends, 2)
	assert.Equal(t, "203.0.113.6:10001", vmess.Backends[1].Address())
	assert.Equal(t, 5, vmess.Backends[0].DownThreshold)
	// Omitted keys fall back to defaults.
	assert.Equal(t, 1, vmess.Backends[0].UpThreshold)
	assert.Equal(t, time.Duration(DefaultCheckIntervalMs)*time.Millisecond, vmess.Backends[0].CheckInterval)

	trojan := cfg.Listeners[1]
	assert.Equal(t, "127.0.0.1:10003", trojan.BindAddress())
}

func TestLoadIni_NoListeners(t *testing.T) {
	path := writeTempIni(t, "[log]\nlevel = info\n")
	_, err := LoadIni(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "listener", cfgErr.Field)
}

func TestLoadIni_BadBackendAddress(t *testing.T) {
	path := writeTempIni(t, `
[listener.vmess]
bind_port = 10001
backend = not-an-address
`)
	_, err := LoadIni(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "vmess.backend", cfgErr.Field)
}
