package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadLayering(t *testing.T) {
	base := writeTemp(t, "base.json", `{
		"node_id": "gw-base",
		"max_message_size_bytes": 524288,
		"redis": {"addr": "base:6379", "db": 1}
	}`)
	svc := writeTemp(t, "gateway.json", `{
		"node_id": "gw-svc",
		"redis": {"addr": "svc:6379"}
	}`)

	cfg, err := Load(base, svc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "gw-svc" {
		t.Errorf("service layer should win: %s", cfg.NodeID)
	}
	if cfg.MaxMessageSizeBytes != 524288 {
		t.Errorf("base layer lost: %d", cfg.MaxMessageSizeBytes)
	}
	if cfg.Redis.Addr != "svc:6379" || cfg.Redis.DB != 1 {
		t.Errorf("nested merge broken: %+v", cfg.Redis)
	}
	// 未覆盖项保持缺省
	if cfg.ConflictPolicy != ConflictAllowAll {
		t.Errorf("default lost: %s", cfg.ConflictPolicy)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("IM_NODE_ID", "gw-env")
	t.Setenv("IM_REDIS__ADDR", "env:6379")
	t.Setenv("IM_HOOK_FAIL_OPEN", "false")
	t.Setenv("IM_ACK_TIMEOUT_SECONDS", "7")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "gw-env" {
		t.Errorf("env override lost: %s", cfg.NodeID)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Errorf("nested env override lost: %s", cfg.Redis.Addr)
	}
	if cfg.HookFailOpen {
		t.Error("bool env override lost")
	}
	if cfg.AckTimeoutSec != 7 {
		t.Errorf("int env override lost: %d", cfg.AckTimeoutSec)
	}
}

func TestQUICPortDefault(t *testing.T) {
	cfg := Defaults()
	cfg.WSPort = 8080
	if got := cfg.QUICListenPort(); got != 8081 {
		t.Errorf("quic port default: %d", got)
	}
	cfg.QUICPort = 9443
	if got := cfg.QUICListenPort(); got != 9443 {
		t.Errorf("quic port explicit: %d", got)
	}
}
