package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
network: mainnet
wallet:
  rpc_url: http://127.0.0.1:18083
auth:
  jwt_secret: secret
deposit:
  poll_interval: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.SyncTimeout.Duration != 3*time.Minute {
		t.Fatalf("mainnet sync timeout: got %s", cfg.Wallet.SyncTimeout)
	}
	if cfg.Deposit.PollInterval.Duration != 45*time.Second {
		t.Fatalf("poll interval: got %s", cfg.Deposit.PollInterval)
	}
	if cfg.Multisig.Threshold != 2 || cfg.Multisig.Participants != 3 {
		t.Fatalf("unexpected multisig shape %d/%d", cfg.Multisig.Threshold, cfg.Multisig.Participants)
	}
	if !cfg.Multisig.ReanchorEnabled() {
		t.Fatalf("reanchor should default on")
	}
	rate, err := cfg.FeeRate()
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("fee rate: got %s", rate)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `
network = "testnet"
listen = ":9000"

[wallet]
rpc_url = "http://wallet:18083"
call_timeout = "10s"

[multisig]
reanchor = false

[fees]
rate = "0.01"

[auth]
jwt_secret = "secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen: got %q", cfg.ListenAddress)
	}
	if cfg.Wallet.SyncTimeout.Duration != 30*time.Second {
		t.Fatalf("testnet sync timeout: got %s", cfg.Wallet.SyncTimeout)
	}
	if cfg.Wallet.CallTimeout.Duration != 10*time.Second {
		t.Fatalf("call timeout: got %s", cfg.Wallet.CallTimeout)
	}
	if cfg.Multisig.ReanchorEnabled() {
		t.Fatalf("reanchor should be disabled")
	}
	rate, err := cfg.FeeRate()
	if err != nil || !rate.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("fee rate: got %s, %v", rate, err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "escrowd.yml", `
network: stagenet
wallet:
  rpc_url: http://file:18083
auth:
  jwt_secret: from-file
`)
	t.Setenv("ESCROWD_WALLET_RPC_URL", "http://env:18083")
	t.Setenv("ESCROWD_DEPOSIT_POLL_INTERVAL", "5s")
	t.Setenv("ESCROWD_REANCHOR", "false")
	t.Setenv("ESCROWD_MULTISIG_THRESHOLD", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.RPCURL != "http://env:18083" {
		t.Fatalf("rpc url: got %q", cfg.Wallet.RPCURL)
	}
	if cfg.Auth.JWTSecret != "from-file" {
		t.Fatalf("jwt secret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Deposit.PollInterval.Duration != 5*time.Second {
		t.Fatalf("poll interval: got %s", cfg.Deposit.PollInterval)
	}
	if cfg.Multisig.ReanchorEnabled() {
		t.Fatalf("reanchor should be disabled by env")
	}
	if cfg.Multisig.Threshold != 3 {
		t.Fatalf("threshold: got %d", cfg.Multisig.Threshold)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing wallet", "auth:\n  jwt_secret: s\n", "wallet.rpc_url is required"},
		{"missing secret", "wallet:\n  rpc_url: http://w\n", "auth.jwt_secret is required"},
		{"bad network", "network: regtest\nwallet:\n  rpc_url: http://w\nauth:\n  jwt_secret: s\n", "network must be"},
		{"bad threshold", "wallet:\n  rpc_url: http://w\nauth:\n  jwt_secret: s\nmultisig:\n  threshold: 4\n", "multisig.threshold"},
		{"bad participants", "wallet:\n  rpc_url: http://w\nauth:\n  jwt_secret: s\nmultisig:\n  participants: 5\n", "multisig.participants"},
		{"bad fee", "wallet:\n  rpc_url: http://w\nauth:\n  jwt_secret: s\nfees:\n  rate: \"1.5\"\n", "fees.rate"},
		{"bad duration", "wallet:\n  rpc_url: http://w\n  sync_timeout: soon\nauth:\n  jwt_secret: s\n", "parse duration"},
		{"unknown field", "wallet:\n  rpc_url: http://w\n  colour: blue\nauth:\n  jwt_secret: s\n", "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("unexpected error: got %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Network != NetworkStagenet {
		t.Fatalf("network: got %q", cfg.Network)
	}
}
