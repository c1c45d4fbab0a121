// Package config loads the broker's YAML configuration: the listen
// socket path, per-UID quota overrides, and the access-control policy
// ruleset (the concrete stand-in for the out-of-scope XML policy
// format). Grounded on lib/config/config.go's single-file, no-fallback
// loading style: a config file is the only source of truth, expanded
// once at load time, never re-read or watched afterward.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/quota"
)

// Config is the broker daemon's master configuration.
type Config struct {
	// SocketPath is the Unix socket the broker listens on.
	SocketPath string `yaml:"socket_path"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	Quota  QuotaConfig  `yaml:"quota"`
	Policy PolicyConfig `yaml:"policy"`
	Audit  AuditConfig  `yaml:"audit"`
}

// QuotaConfig configures the per-kind resource limits every User
// starts with, plus any per-UID overrides.
type QuotaConfig struct {
	Defaults  SlotLimits    `yaml:"defaults"`
	Overrides []UIDOverride `yaml:"overrides"`
}

// SlotLimits mirrors quota.Limits field-for-field in YAML-friendly
// form; a zero or absent field means "unlimited", matching
// quota.Limits' own convention.
type SlotLimits struct {
	Bytes   uint64 `yaml:"bytes"`
	FDs     uint64 `yaml:"fds"`
	Matches uint64 `yaml:"matches"`
	Objects uint64 `yaml:"objects"`
	Names   uint64 `yaml:"names"`
	Replies uint64 `yaml:"replies"`
}

func (s SlotLimits) toLimits() quota.Limits {
	var l quota.Limits
	l[quota.Bytes] = s.Bytes
	l[quota.FDs] = s.FDs
	l[quota.Matches] = s.Matches
	l[quota.Objects] = s.Objects
	l[quota.Names] = s.Names
	l[quota.Replies] = s.Replies
	return l
}

// UIDOverride replaces the default SlotLimits for one UID entirely —
// an override is not merged field-by-field with the defaults, it
// stands alone, matching quota.Registry.SetOverride's own semantics.
type UIDOverride struct {
	UID        uint32 `yaml:"uid"`
	SlotLimits `yaml:",inline"`
}

// AuditConfig configures the optional SQLite-backed audit trail.
type AuditConfig struct {
	// Enabled turns the audit writer on. Off by default: the broker
	// has no persistence requirement of its own (see the Non-goals),
	// this is purely an operational add-on.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is where the SQLite event log lives.
	DatabasePath string `yaml:"database_path"`

	// SnapshotDir, when non-empty, receives periodic zstd-compressed
	// snapshots of the peer/name table, at SnapshotInterval.
	SnapshotDir      string `yaml:"snapshot_dir"`
	SnapshotInterval string `yaml:"snapshot_interval"`
}

// SnapshotEvery parses SnapshotInterval, defaulting to five minutes
// when unset.
func (a AuditConfig) SnapshotEvery() (time.Duration, error) {
	if a.SnapshotInterval == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(a.SnapshotInterval)
}

// PolicyConfig is the YAML form of a policy.Ruleset: the connect/own/
// send/receive rule lists, evaluated in the order given (first match
// wins).
type PolicyConfig struct {
	Connect []ConnectRuleConfig `yaml:"connect"`
	Own     []OwnRuleConfig     `yaml:"own"`
	Send    []MessageRuleConfig `yaml:"send"`
	Receive []MessageRuleConfig `yaml:"receive"`
}

// ConnectRuleConfig is the YAML form of policy.ConnectRule.
type ConnectRuleConfig struct {
	UID      *uint32 `yaml:"uid,omitempty"`
	GID      *uint32 `yaml:"gid,omitempty"`
	Decision string  `yaml:"decision"`
}

// OwnRuleConfig is the YAML form of policy.OwnRule.
type OwnRuleConfig struct {
	Name     string  `yaml:"name"`
	UID      *uint32 `yaml:"uid,omitempty"`
	GID      *uint32 `yaml:"gid,omitempty"`
	Decision string  `yaml:"decision"`
}

// MessageRuleConfig is the YAML form of policy.MessageRule.
type MessageRuleConfig struct {
	Name      string  `yaml:"name,omitempty"`
	Interface string  `yaml:"interface,omitempty"`
	Member    string  `yaml:"member,omitempty"`
	Path      string  `yaml:"path,omitempty"`
	Type      string  `yaml:"type,omitempty"`
	UID       *uint32 `yaml:"uid,omitempty"`
	GID       *uint32 `yaml:"gid,omitempty"`
	Decision  string  `yaml:"decision"`
}

func parseDecision(s string) (policy.Decision, error) {
	switch s {
	case "", "allow":
		return policy.Allow, nil
	case "deny":
		return policy.Deny, nil
	default:
		return policy.Allow, fmt.Errorf("invalid decision %q: must be \"allow\" or \"deny\"", s)
	}
}

func parseMessageType(s string) (match.MessageType, error) {
	switch s {
	case "":
		return match.TypeInvalid, nil
	case "signal":
		return match.TypeSignal, nil
	case "method_call":
		return match.TypeMethodCall, nil
	case "method_return":
		return match.TypeMethodReturn, nil
	case "error":
		return match.TypeError, nil
	default:
		return match.TypeInvalid, fmt.Errorf("invalid message type %q", s)
	}
}

// Limits builds the quota.Limits this config's defaults describe.
func (c *Config) Limits() quota.Limits {
	return c.Quota.Defaults.toLimits()
}

// ApplyOverrides installs this config's per-UID quota overrides into
// reg, ahead of any peer connecting under one of those UIDs.
func (c *Config) ApplyOverrides(reg *quota.Registry) {
	for _, o := range c.Quota.Overrides {
		reg.SetOverride(o.UID, o.toLimits())
	}
}

// Ruleset builds the policy.Ruleset this config's Policy section
// describes, validating every decision and type string along the way.
func (c *Config) Ruleset() (*policy.Ruleset, error) {
	rs := &policy.Ruleset{}

	for i, r := range c.Policy.Connect {
		d, err := parseDecision(r.Decision)
		if err != nil {
			return nil, fmt.Errorf("policy.connect[%d]: %w", i, err)
		}
		rs.Connect = append(rs.Connect, policy.ConnectRule{UID: r.UID, GID: r.GID, Decision: d})
	}

	for i, r := range c.Policy.Own {
		d, err := parseDecision(r.Decision)
		if err != nil {
			return nil, fmt.Errorf("policy.own[%d]: %w", i, err)
		}
		rs.Own = append(rs.Own, policy.OwnRule{NamePattern: r.Name, UID: r.UID, GID: r.GID, Decision: d})
	}

	for i, r := range c.Policy.Send {
		mr, err := r.toMessageRule()
		if err != nil {
			return nil, fmt.Errorf("policy.send[%d]: %w", i, err)
		}
		rs.Send = append(rs.Send, mr)
	}

	for i, r := range c.Policy.Receive {
		mr, err := r.toMessageRule()
		if err != nil {
			return nil, fmt.Errorf("policy.receive[%d]: %w", i, err)
		}
		rs.Receive = append(rs.Receive, mr)
	}

	return rs, nil
}

func (r MessageRuleConfig) toMessageRule() (policy.MessageRule, error) {
	d, err := parseDecision(r.Decision)
	if err != nil {
		return policy.MessageRule{}, err
	}
	t, err := parseMessageType(r.Type)
	if err != nil {
		return policy.MessageRule{}, err
	}
	return policy.MessageRule{
		NamePattern:      r.Name,
		InterfacePattern: r.Interface,
		MemberPattern:    r.Member,
		PathPattern:      r.Path,
		Type:             t,
		UID:              r.UID,
		GID:              r.GID,
		Decision:         d,
	}, nil
}

// Default returns a Config with conservative defaults: the
// conventional system bus socket path, info logging, dbus-broker's
// own default quota limits, no policy rules (default-allow
// everywhere), and audit disabled.
func Default() *Config {
	return &Config{
		SocketPath: "/run/dbusd/system_bus_socket",
		LogLevel:   "info",
		Quota: QuotaConfig{
			Defaults: SlotLimits{
				Bytes:   64 * 1024 * 1024,
				FDs:     256,
				Matches: 4096,
				Objects: 65536,
				Names:   1024,
				Replies: 8192,
			},
		},
	}
}

// Load loads configuration from the DBUSD_CONFIG environment
// variable. There is no fallback or discovery: if DBUSD_CONFIG is
// unset, this fails — deterministic, auditable configuration with no
// hidden defaults for where the file lives.
func Load() (*Config, error) {
	path := os.Getenv("DBUSD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("DBUSD_CONFIG environment variable not set; " +
			"set it to the path of your dbusd.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, starting from Default() and
// overlaying whatever the file specifies, then expanding ${VAR} and
// ${VAR:-default} patterns in SocketPath and the audit paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name, defaultValue := parts[1], ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

func (c *Config) expandVariables() {
	c.SocketPath = expandVars(c.SocketPath)
	c.Audit.DatabasePath = expandVars(c.Audit.DatabasePath)
	c.Audit.SnapshotDir = expandVars(c.Audit.SnapshotDir)
}

// Validate checks the configuration for internal consistency, beyond
// what Ruleset's own parsing already rejects.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if c.Audit.Enabled && c.Audit.DatabasePath == "" {
		return fmt.Errorf("audit.database_path is required when audit.enabled is true")
	}
	if _, err := c.Audit.SnapshotEvery(); err != nil {
		return fmt.Errorf("audit.snapshot_interval: %w", err)
	}
	if _, err := c.Ruleset(); err != nil {
		return err
	}
	return nil
}
