package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	x402 "github.com/x402labs/x402-go"
	"github.com/x402labs/x402-go/mechanisms/evm"
	"github.com/x402labs/x402-go/mechanisms/svm"
)

const (
	defaultPort           = "8402"
	defaultEVMRPCURL      = "https://sepolia.base.org"
	defaultSettleTimeout  = 90 * time.Second
	defaultIdempotencyTTL = 10 * time.Minute
)

// Config is the daemon configuration, read from the environment (a .env
// file is loaded first when present).
type Config struct {
	Port           string
	SettleTimeout  time.Duration
	IdempotencyTTL time.Duration

	EVMPrivateKey string
	EVMRPCURL     string
	EVMNetworks   []x402.Network

	SVMPrivateKey string
	SVMRPCURL     string
	SVMNetworks   []x402.Network
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:           envOr("PORT", defaultPort),
		SettleTimeout:  defaultSettleTimeout,
		IdempotencyTTL: defaultIdempotencyTTL,
		EVMPrivateKey:  os.Getenv("EVM_PRIVATE_KEY"),
		EVMRPCURL:      envOr("EVM_RPC_URL", defaultEVMRPCURL),
		SVMPrivateKey:  os.Getenv("SVM_PRIVATE_KEY"),
		SVMRPCURL:      os.Getenv("SVM_RPC_URL"),
	}

	if raw := os.Getenv("SETTLE_TIMEOUT"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SETTLE_TIMEOUT: %w", err)
		}
		cfg.SettleTimeout = timeout
	}
	if raw := os.Getenv("IDEMPOTENCY_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		cfg.IdempotencyTTL = ttl
	}

	var err error
	cfg.EVMNetworks, err = parseNetworks(envOr("EVM_NETWORKS", "eip155:84532"), evm.IsValidNetwork)
	if err != nil {
		return Config{}, fmt.Errorf("invalid EVM_NETWORKS: %w", err)
	}
	cfg.SVMNetworks, err = parseNetworks(envOr("SVM_NETWORKS", svm.SolanaDevnetCAIP2), svm.IsValidNetwork)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SVM_NETWORKS: %w", err)
	}
	if cfg.SVMPrivateKey != "" && cfg.SVMRPCURL == "" {
		config, err := svm.GetNetworkConfig(string(cfg.SVMNetworks[0]))
		if err != nil {
			return Config{}, err
		}
		cfg.SVMRPCURL = config.RPCURL
	}

	if cfg.EVMPrivateKey == "" && cfg.SVMPrivateKey == "" {
		return Config{}, fmt.Errorf("at least one of EVM_PRIVATE_KEY or SVM_PRIVATE_KEY must be set")
	}
	return cfg, nil
}

// parseNetworks splits a comma-separated list, normalizing legacy names
// to CAIP-2 and rejecting networks the mechanism does not support.
func parseNetworks(raw string, supported func(string) bool) ([]x402.Network, error) {
	var networks []x402.Network
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		network := x402.NormalizeNetwork(x402.Network(part))
		if !supported(string(network)) {
			return nil, fmt.Errorf("unsupported network: %s", part)
		}
		networks = append(networks, network)
	}
	if len(networks) == 0 {
		return nil, fmt.Errorf("empty network list")
	}
	return networks, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
