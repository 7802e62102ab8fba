package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const engineFlag = "--engine-url=http://engine.example.com/bot"

func TestParseConfigFlags(t *testing.T) {
	cfg, err := Parse([]string{"--bind", "0.0.0.0", "--port", "4001", "--allow-cidr", "100.64.0.0/10", engineFlag})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Bind != "0.0.0.0" || cfg.Port != 4001 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.AllowCIDRs) != 1 || cfg.AllowCIDRs[0] != "100.64.0.0/10" {
		t.Fatalf("unexpected cidrs: %+v", cfg.AllowCIDRs)
	}
	if cfg.SessionTTL != 10*time.Minute || cfg.MaxSessions != 1000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestParseEngineSettings(t *testing.T) {
	cfg, err := Parse([]string{
		engineFlag,
		"--connect-timeout=2s",
		"--response-timeout", "45s",
		"--session-ttl=90s",
		"--max-sessions=5",
		"--verbose",
		"--directory-attributes=GivenName,Mail",
		"--auth-leeway=30s",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.ConnectTimeout != 2*time.Second || cfg.ResponseTimeout != 45*time.Second || cfg.SessionTTL != 90*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if cfg.MaxSessions != 5 || !cfg.Verbose || cfg.DirectoryAttributes != "GivenName,Mail" || cfg.AuthLeeway != 30*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	u, err := cfg.EngineEndpoint()
	if err != nil || u.Path != "/bot" {
		t.Fatalf("EngineEndpoint() = %v, %v", u, err)
	}
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte(`
engine-url: http://engine.internal/api
port: 8080
session-ttl: 5m
max-sessions: 20
allow-cidr: [10.0.0.0/8]
log-format: json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse([]string{"--config", path, "--port", "9090"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("flag should override file, got port %d", cfg.Port)
	}
	if cfg.EngineURL != "http://engine.internal/api" || cfg.SessionTTL != 5*time.Minute || cfg.MaxSessions != 20 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.AllowCIDRs) != 1 || cfg.AllowCIDRs[0] != "10.0.0.0/8" || cfg.LogFormat != "json" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Bind != "127.0.0.1" {
		t.Fatalf("default bind lost: %q", cfg.Bind)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string][]string{
		"missing engine":  {},
		"relative engine": {"--engine-url=/bot"},
		"bad port":        {engineFlag, "--port=70000"},
		"bad cidr":        {engineFlag, "--allow-cidr=10.0.0.0/99"},
		"zero ttl":        {engineFlag, "--session-ttl=0s"},
		"no capacity":     {engineFlag, "--max-sessions=0"},
		"no terminators":  {engineFlag, "--terminators=0"},
		"bad level":       {engineFlag, "--log-level=loud"},
		"bad format":      {engineFlag, "--log-format=xml"},
		"negative leeway": {engineFlag, "--auth-leeway=-1s"},
		"two directories": {engineFlag, "--directory-file=a.yaml", "--redis-addr=localhost:6379"},
		"unknown flag":    {engineFlag, "--nope"},
		"missing file":    {"--config", filepath.Join(t.TempDir(), "absent.yaml")},
	}
	for name, args := range cases {
		if _, err := Parse(args); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseHelp(t *testing.T) {
	_, err := Parse([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestIsAllowedClient(t *testing.T) {
	if !IsAllowedClient(net.ParseIP("127.0.0.1"), nil) {
		t.Fatal("loopback should be allowed")
	}
	if IsAllowedClient(net.ParseIP("8.8.8.8"), []string{"10.0.0.0/8"}) {
		t.Fatal("8.8.8.8 should not be allowed")
	}
	if !IsAllowedClient(net.ParseIP("10.1.2.3"), []string{"10.0.0.0/8"}) {
		t.Fatal("10.1.2.3 should be allowed")
	}
}
