package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"portbridge/internal/shared/types"
)

// ConfigError reports an invalid or contradictory configuration value.
// It is fatal: the process must not start with invalid config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// LogConf holds logging behavior settings.
type LogConf struct {
	Level string `ini:"level"`
}

// WebConf holds the status web server settings. Port 0 disables it.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// ServerConf holds process-wide forwarding knobs.
type ServerConf struct {
	ConnectTimeoutMs int `ini:"connect_timeout_ms"`
	IdleTimeoutMs    int `ini:"idle_timeout_ms"`
	DrainGraceMs     int `ini:"drain_grace_ms"`
}

// Config is the immutable configuration object handed to the app at
// startup. Built once, never mutated.
type Config struct {
	Log       LogConf
	Web       WebConf
	Server    ServerConf
	Listeners []*types.ListenerSpec
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Server.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutMs) * time.Millisecond
}

func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.Server.DrainGraceMs) * time.Millisecond
}

// BackendDef is one backend record as handed over by the loader.
type BackendDef struct {
	Host            string
	Port            int
	CheckIntervalMs int
	CheckTimeoutMs  int
	UpThreshold     int
	DownThreshold   int
}

// ListenerDef is one listener record as handed over by the loader.
type ListenerDef struct {
	Protocol string
	BindAddr string
	BindPort int
	Backends []BackendDef
}

// Defaults matching a conservative haproxy-style check profile.
const (
	DefaultCheckIntervalMs = 2000
	DefaultCheckTimeoutMs  = 1500
	DefaultUpThreshold     = 1
	DefaultDownThreshold   = 3

	defaultConnectTimeoutMs = 3000
	defaultIdleTimeoutMs    = 300000
	defaultDrainGraceMs     = 10000
)

// Build validates listener definitions and constructs the immutable
// ListenerSpec/BackendSpec graph. The first offending field aborts the
// build with a ConfigError.
func Build(defs []ListenerDef) ([]*types.ListenerSpec, error) {
	seenPorts := make(map[int]string)
	specs := make([]*types.ListenerSpec, 0, len(defs))

	for _, def := range defs {
		name := def.Protocol
		if name == "" {
			name = "listener"
		}
		if def.BindPort <= 0 || def.BindPort > 65535 {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("%s.bind_port", name),
				Reason: fmt.Sprintf("invalid port %d", def.BindPort),
			}
		}
		if prev, dup := seenPorts[def.BindPort]; dup {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("%s.bind_port", name),
				Reason: fmt.Sprintf("port %d already bound by %s", def.BindPort, prev),
			}
		}
		seenPorts[def.BindPort] = name

		if len(def.Backends) == 0 {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("%s.backend", name),
				Reason: "at least one backend is required",
			}
		}

		spec := &types.ListenerSpec{
			Protocol: def.Protocol,
			BindAddr: def.BindAddr,
			BindPort: def.BindPort,
		}
		if spec.BindAddr == "" {
			spec.BindAddr = "0.0.0.0"
		}

		for i, b := range def.Backends {
			field := func(k string) string {
				return fmt.Sprintf("%s.backend[%d].%s", name, i, k)
			}
			if b.Host == "" {
				return nil, &ConfigError{Field: field("host"), Reason: "empty host"}
			}
			if b.Port <= 0 || b.Port > 65535 {
				return nil, &ConfigError{Field: field("port"), Reason: fmt.Sprintf("invalid port %d", b.Port)}
			}
			if b.CheckIntervalMs <= 0 {
				return nil, &ConfigError{Field: field("check_interval_ms"), Reason: "must be positive"}
			}
			if b.CheckTimeoutMs <= 0 {
				return nil, &ConfigError{Field: field("check_timeout_ms"), Reason: "must be positive"}
			}
			if b.UpThreshold < 1 {
				return nil, &ConfigError{Field: field("up_threshold"), Reason: "must be at least 1"}
			}
			if b.DownThreshold < 1 {
				return nil, &ConfigError{Field: field("down_threshold"), Reason: "must be at least 1"}
			}
			spec.Backends = append(spec.Backends, &types.BackendSpec{
				Host:          b.Host,
				Port:          b.Port,
				CheckInterval: time.Duration(b.CheckIntervalMs) * time.Millisecond,
				CheckTimeout:  time.Duration(b.CheckTimeoutMs) * time.Millisecond,
				UpThreshold:   b.UpThreshold,
				DownThreshold: b.DownThreshold,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadIni loads the portbridge.ini behavior configuration file.
// Listener sections are named [listener.<protocol>]; shadowed
// "backend" keys declare additional backends for one listener.
func LoadIni(fileName string) (*Config, error) {
	iniFile, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, fileName)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Log: LogConf{Level: "info"},
		Server: ServerConf{
			ConnectTimeoutMs: defaultConnectTimeoutMs,
			IdleTimeoutMs:    defaultIdleTimeoutMs,
			DrainGraceMs:     defaultDrainGraceMs,
		},
	}
	if err := iniFile.Section("log").MapTo(&cfg.Log); err != nil {
		return nil, err
	}
	if err := iniFile.Section("web").MapTo(&cfg.Web); err != nil {
		return nil, err
	}
	if err := iniFile.Section("server").MapTo(&cfg.Server); err != nil {
		return nil, err
	}

	var defs []ListenerDef
	for _, sec := range iniFile.Sections() {
		secName := sec.Name()
		if !strings.HasPrefix(secName, "listener.") {
			continue
		}
		protocol := strings.TrimPrefix(secName, "listener.")

		def := ListenerDef{
			Protocol: protocol,
			BindAddr: sec.Key("bind_addr").String(),
			BindPort: sec.Key("bind_port").MustInt(0),
		}

		intervalMs := sec.Key("check_interval_ms").MustInt(DefaultCheckIntervalMs)
		timeoutMs := sec.Key("check_timeout_ms").MustInt(DefaultCheckTimeoutMs)
		up := sec.Key("up_threshold").MustInt(DefaultUpThreshold)
		down := sec.Key("down_threshold").MustInt(DefaultDownThreshold)

		var addrs []string
		if sec.HasKey("backend") {
			addrs = sec.Key("backend").ValueWithShadows()
		}
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, &ConfigError{
					Field:  fmt.Sprintf("%s.backend", protocol),
					Reason: fmt.Sprintf("invalid address %q: expected host:port", addr),
				}
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, &ConfigError{
					Field:  fmt.Sprintf("%s.backend", protocol),
					Reason: fmt.Sprintf("invalid port in %q", addr),
				}
			}
			def.Backends = append(def.Backends, BackendDef{
				Host:            host,
				Port:            port,
				CheckIntervalMs: intervalMs,
				CheckTimeoutMs:  timeoutMs,
				UpThreshold:     up,
				DownThreshold:   down,
			})
		}
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		return nil, &ConfigError{Field: "listener", Reason: "no listener sections defined"}
	}

	specs, err := Build(defs)
	if err != nil {
		return nil, err
	}
	cfg.Listeners = specs
	return cfg, nil
}
