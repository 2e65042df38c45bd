package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConf = `
# sample eth-proxy.conf
DEBUG = False
LOG_TO_FILE = True
LOGLEVEL = "INFO"

HOST = 0.0.0.0
PORT = 8080

WALLET = "0x1234567890123456789012345678901234567890"
ENABLE_WORKER_ID = True

MONITORING = True
MONITORING_EMAIL = "ops@example.com"

COIN = "ETH"

POOL_HOST = "eth.example.com"
POOL_PORT = 4444

POOL_FAILOVER_ENABLE = True
POOL_HOST_FAILOVER1 = "backup1.example.com"
POOL_PORT_FAILOVER1 = 4444
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConf))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 {
		t.Fatalf("unexpected listen address: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Wallet != "0x1234567890123456789012345678901234567890" {
		t.Fatalf("unexpected wallet: %s", cfg.Wallet)
	}
	if !cfg.EnableWorkerID {
		t.Fatal("expected ENABLE_WORKER_ID true")
	}
	if cfg.LoginEmail() != "ops@example.com" {
		t.Fatalf("unexpected login email: %s", cfg.LoginEmail())
	}
	if cfg.CoinTimeout() != 360*time.Second {
		t.Fatalf("expected ETH coin timeout of 360s, got %s", cfg.CoinTimeout())
	}
	if len(cfg.Failovers) != 1 || cfg.Failovers[0].Host != "backup1.example.com" {
		t.Fatalf("unexpected failovers: %+v", cfg.Failovers)
	}
}

func TestDebugForcesDebugLogLevel(t *testing.T) {
	conf := sampleConf + "\nDEBUG = True\n"
	cfg, err := Parse(strings.NewReader(conf))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("expected DEBUG to force LOGLEVEL=DEBUG, got %s", cfg.LogLevel)
	}
}

func TestNonEthCoinTimeout(t *testing.T) {
	conf := strings.Replace(sampleConf, `COIN = "ETH"`, `COIN = "UBQ"`, 1)
	cfg, err := Parse(strings.NewReader(conf))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CoinTimeout() != 900*time.Second {
		t.Fatalf("expected non-ETH coin timeout of 900s, got %s", cfg.CoinTimeout())
	}
}

func TestWrongWalletLengthRejected(t *testing.T) {
	conf := strings.Replace(sampleConf, `WALLET = "0x1234567890123456789012345678901234567890"`, `WALLET = "0xTOO_SHORT"`, 1)
	if _, err := Parse(strings.NewReader(conf)); err == nil {
		t.Fatal("expected error for invalid wallet length")
	}
}
