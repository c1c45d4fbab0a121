package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbusd/dbusd/internal/match"
	"github.com/dbusd/dbusd/internal/policy"
	"github.com/dbusd/dbusd/internal/quota"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SocketPath != "/run/dbusd/system_bus_socket" {
		t.Errorf("expected the conventional socket path, got %s", cfg.SocketPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level=info, got %s", cfg.LogLevel)
	}
	if cfg.Quota.Defaults.Objects != 65536 {
		t.Errorf("expected the dbus-broker default OBJECTS limit, got %d", cfg.Quota.Defaults.Objects)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected Default() to validate cleanly, got %v", err)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	orig := os.Getenv("DBUSD_CONFIG")
	defer os.Setenv("DBUSD_CONFIG", orig)
	os.Unsetenv("DBUSD_CONFIG")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when DBUSD_CONFIG is unset")
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbusd.yaml")
	content := `
socket_path: ${HOME}/dbusd.sock
log_level: debug
quota:
  defaults:
    bytes: 1048576
  overrides:
    - uid: 1000
      objects: 4
policy:
  connect:
    - uid: 0
      decision: allow
  own:
    - name: "com.example.*"
      decision: deny
  send:
    - type: method_call
      member: Shutdown
      decision: deny
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	os.Setenv("HOME", "/home/tester")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SocketPath != "/home/tester/dbusd.sock" {
		t.Fatalf("expected ${HOME} expanded, got %s", cfg.SocketPath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected the file's log_level to override the default, got %s", cfg.LogLevel)
	}
	if cfg.Quota.Defaults.Bytes != 1048576 {
		t.Fatalf("expected the file's bytes limit applied, got %d", cfg.Quota.Defaults.Bytes)
	}
	if len(cfg.Quota.Overrides) != 1 || cfg.Quota.Overrides[0].UID != 1000 {
		t.Fatalf("expected one UID override for 1000, got %+v", cfg.Quota.Overrides)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the loaded config to validate, got %v", err)
	}
}

func TestLimitsAndApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.Quota.Overrides = []UIDOverride{
		{UID: 9, SlotLimits: SlotLimits{Objects: 1, FDs: 1, Bytes: 1024, Matches: 1, Names: 1, Replies: 1}},
	}

	limits := cfg.Limits()
	if limits[quota.Objects] != cfg.Quota.Defaults.Objects {
		t.Fatalf("expected Limits() to reflect the configured default OBJECTS, got %d", limits[quota.Objects])
	}

	reg := quota.NewRegistry(limits)
	cfg.ApplyOverrides(reg)
	u := reg.RefUser(9)
	if u.Limit(quota.Objects) != 1 {
		t.Fatalf("expected uid 9's override OBJECTS limit of 1 installed, got %d", u.Limit(quota.Objects))
	}
}

func TestRulesetRejectsInvalidDecision(t *testing.T) {
	cfg := Default()
	cfg.Policy.Own = []OwnRuleConfig{{Name: "com.example.Svc", Decision: "maybe"}}
	if _, err := cfg.Ruleset(); err == nil {
		t.Fatal("expected an error for an invalid decision string")
	}
}

func TestRulesetBuildsEvaluableEngine(t *testing.T) {
	cfg := Default()
	cfg.Policy.Send = []MessageRuleConfig{
		{Type: "method_call", Member: "Shutdown", Decision: "deny"},
	}
	rs, err := cfg.Ruleset()
	if err != nil {
		t.Fatalf("Ruleset: %v", err)
	}
	if len(rs.Send) != 1 || rs.Send[0].Type != match.TypeMethodCall {
		t.Fatalf("expected one TypeMethodCall send rule, got %+v", rs.Send)
	}

	engine := policy.NewEngine(rs)
	p := engine.Resolve(1000, nil, 1, "")
	if r := engine.CheckSend(p, nil, "", "Shutdown", "", match.TypeMethodCall); r.Decision != policy.Deny {
		t.Fatalf("expected Shutdown denied by the configured rule, got %v", r.Decision)
	}
	if r := engine.CheckSend(p, nil, "", "Ping", "", match.TypeMethodCall); r.Decision != policy.Allow {
		t.Fatalf("expected Ping to default-allow, got %v", r.Decision)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an invalid log_level")
	}
}

func TestValidateRejectsAuditEnabledWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Audit.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when audit is enabled with no database_path")
	}
}
