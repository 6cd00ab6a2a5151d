package mcphost_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcphost"
)

const sampleConfig = `
servers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/srv"]
    readOnlyTools: [read_file]
  - name: search
    transport: sse
    url: http://localhost:8080/sse
    headers:
      Authorization: Bearer token
    callTimeout: 10s
  - name: chat
    transport: websocket
    url: ws://localhost:8081/ws
    pipelined: false
bridge:
  callTimeout: 30s
  pingInterval: 15s
  pingThreshold: 3
retry:
  maxAttempts: 4
  initialInterval: 100ms
mediator:
  confirmTimeout: 1m
lifecycle:
  teardownDeadline: 2s
audit:
  enabled: true
  batchSize: 50
  kafka:
    brokers: [localhost:9092]
    topic: mcphost-audit
logging:
  level: debug
  format: json
`

func TestParseConfig(t *testing.T) {
	cfg, err := mcphost.ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if len(cfg.Servers) != 3 {
		t.Fatalf("Servers = %d, want 3", len(cfg.Servers))
	}
	if got := cfg.Servers[0].Args; len(got) != 2 || got[1] != "/srv" {
		t.Errorf("Servers[0].Args = %v", got)
	}
	if got := cfg.Servers[1].CallTimeout; got != 10*time.Second {
		t.Errorf("Servers[1].CallTimeout = %s", got)
	}
	if got := cfg.Servers[1].Headers["Authorization"]; got != "Bearer token" {
		t.Errorf("Servers[1].Headers = %v", cfg.Servers[1].Headers)
	}
	if p := cfg.Servers[2].Pipelined; p == nil || *p {
		t.Errorf("Servers[2].Pipelined = %v, want false", p)
	}
	if cfg.Bridge.CallTimeout != 30*time.Second || cfg.Bridge.PingThreshold != 3 {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.InitialInterval != 100*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Mediator.ConfirmTimeout != time.Minute {
		t.Errorf("Mediator = %+v", cfg.Mediator)
	}
	if cfg.Lifecycle.TeardownDeadline != 2*time.Second {
		t.Errorf("Lifecycle = %+v", cfg.Lifecycle)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Kafka == nil || cfg.Audit.Kafka.Topic != "mcphost-audit" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}

	d := cfg.Dialer(slog.Default())
	for _, name := range []string{"files", "search", "chat"} {
		if _, ok := d[name]; !ok {
			t.Errorf("Dialer() has no transport for %s", name)
		}
	}
	if got := len(cfg.BridgeOptions(slog.Default())); got != 6+len(cfg.Servers) {
		t.Errorf("BridgeOptions() = %d options", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing name",
			config:  "servers:\n  - command: x\n",
			wantErr: "missing name",
		},
		{
			name:    "duplicate name",
			config:  "servers:\n  - name: a\n    command: x\n  - name: a\n    command: y\n",
			wantErr: "duplicate name a",
		},
		{
			name:    "stdio without command",
			config:  "servers:\n  - name: a\n    transport: stdio\n",
			wantErr: "requires a command",
		},
		{
			name:    "sse without url",
			config:  "servers:\n  - name: a\n    transport: sse\n",
			wantErr: "requires a url",
		},
		{
			name:    "unknown transport",
			config:  "servers:\n  - name: a\n    transport: carrier-pigeon\n",
			wantErr: "unknown transport",
		},
		{
			name:    "too many retries",
			config:  "retry:\n  maxAttempts: 50\n",
			wantErr: "exceeds",
		},
		{
			name:    "kafka without topic",
			config:  "audit:\n  kafka:\n    brokers: [localhost:9092]\n",
			wantErr: "audit.kafka",
		},
		{
			name:    "mqtt qos",
			config:  "audit:\n  mqtt:\n    broker: tcp://localhost:1883\n    topic: audit\n    qos: 3\n",
			wantErr: "invalid qos",
		},
		{
			name:    "log level",
			config:  "logging:\n  level: loud\n",
			wantErr: "unknown level",
		},
		{
			name:    "log format",
			config:  "logging:\n  format: xml\n",
			wantErr: "unknown format",
		},
		{
			name:    "bad duration",
			config:  "bridge:\n  callTimeout: soon\n",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcphost.ParseConfig([]byte(tt.config))
			if err == nil {
				t.Fatal("ParseConfig() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseConfig() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgethost.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := mcphost.LoadConfig(path); err != nil {
		t.Errorf("LoadConfig() error = %v", err)
	}
	if _, err := mcphost.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}
