package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentpay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
agent:
  id: curator-001
network:
  name: arbitrum-sepolia
  chain_id: 421614
  rpc_url: https://sepolia-rollup.arbitrum.io/rpc
asset:
  address: "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Agent.Role != "seller" {
		t.Errorf("default role = %q, want seller", cfg.Agent.Role)
	}
	if cfg.Server.Address != ":3001" {
		t.Errorf("default address = %q, want :3001", cfg.Server.Address)
	}
	if cfg.Pricing.PriceMicroUnits != 1100 {
		t.Errorf("default price = %d, want 1100", cfg.Pricing.PriceMicroUnits)
	}
	if cfg.Pricing.MaxTimeoutSeconds != 60 {
		t.Errorf("default timeout = %d, want 60", cfg.Pricing.MaxTimeoutSeconds)
	}
	if cfg.Credential.TTLMinutes != 60 {
		t.Errorf("default ttl = %d, want 60", cfg.Credential.TTLMinutes)
	}
	if cfg.Settlement.Mode != "direct" {
		t.Errorf("default settlement mode = %q, want direct", cfg.Settlement.Mode)
	}
	if cfg.NonceStore.Driver != "memory" {
		t.Errorf("default nonce driver = %q, want memory", cfg.NonceStore.Driver)
	}
	if cfg.EventBus.Capacity != 1000 {
		t.Errorf("default bus capacity = %d, want 1000", cfg.EventBus.Capacity)
	}
	if got := cfg.SettlementTimeout(); got != time.Minute {
		t.Errorf("settlement timeout = %v, want 1m", got)
	}
	if got := cfg.CallTimeout(); got != 15*time.Second {
		t.Errorf("call timeout = %v, want 15s", got)
	}
}

func TestLoadFacilitatorModeInferred(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
settlement:
  facilitator_url: https://facilitator.example.org
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.Mode != "facilitator" {
		t.Errorf("mode = %q, want facilitator", cfg.Settlement.Mode)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing agent id", `
network:
  name: arbitrum-sepolia
  chain_id: 421614
  rpc_url: https://example.org
asset:
  address: "0xabc"
`},
		{"missing rpc url", `
agent:
  id: curator-001
network:
  name: arbitrum-sepolia
  chain_id: 421614
asset:
  address: "0xabc"
`},
		{"missing asset", `
agent:
  id: curator-001
network:
  name: arbitrum-sepolia
  chain_id: 421614
  rpc_url: https://example.org
`},
		{"unknown role", `
agent:
  id: curator-001
  role: auditor
network:
  name: arbitrum-sepolia
  chain_id: 421614
  rpc_url: https://example.org
asset:
  address: "0xabc"
`},
		{"facilitator without url", minimalConfig + `
settlement:
  mode: facilitator
`},
		{"redis without address", minimalConfig + `
nonce_store:
  driver: redis
`},
		{"buyer without counterpart", `
agent:
  id: curator-001
  role: buyer
network:
  name: arbitrum-sepolia
  chain_id: 421614
  rpc_url: https://example.org
asset:
  address: "0xabc"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := Load(""); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "agent: [")); err == nil {
		t.Error("expected a parse error")
	}
}
