// Package config loads the backfiller's environment-variable
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is every env-derived setting the backfiller needs to boot.
type Config struct {
	RedisURL string
	GRPCPort string

	RegistryRPCURL     string
	RegistryContractID string
	ChainID            string

	QueueURL      string
	QueueRegion   string
	LakeAWSRegion string

	DeltaLakeBucket   string
	LakeBucketPrefix  string
	LakeCacheCapacity int
	MetricsPort       string
}

// Load reads every required/defaulted env var, failing fast if a
// required one is absent.
func Load() (Config, error) {
	cfg := Config{
		RedisURL:           os.Getenv("REDIS_URL"),
		GRPCPort:           getEnvDefault("GRPC_PORT", "9001"),
		RegistryRPCURL:     os.Getenv("REGISTRY_RPC_URL"),
		RegistryContractID: os.Getenv("REGISTRY_CONTRACT_ID"),
		ChainID:            getEnvDefault("CHAIN_ID", "mainnet"),
		QueueURL:           os.Getenv("QUEUE_URL"),
		QueueRegion:        os.Getenv("AWS_QUEUE_REGION"),
		LakeAWSRegion:      os.Getenv("LAKE_AWS_REGION"),
		DeltaLakeBucket:    getEnvDefault("DELTA_LAKE_BUCKET", "near-delta-lake"),
		LakeBucketPrefix:   getEnvDefault("LAKE_BUCKET_PREFIX", "near-lake-data-"),
		MetricsPort:        getEnvDefault("METRICS_PORT", "8081"),
	}

	capacity, err := strconv.Atoi(getEnvDefault("LAKE_CACHE_CAPACITY", "18000"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LAKE_CACHE_CAPACITY: %w", err)
	}
	cfg.LakeCacheCapacity = capacity

	var missing []string
	for name, value := range map[string]string{
		"REDIS_URL":            cfg.RedisURL,
		"REGISTRY_RPC_URL":     cfg.RegistryRPCURL,
		"REGISTRY_CONTRACT_ID": cfg.RegistryContractID,
		"QUEUE_URL":            cfg.QueueURL,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
