package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the rollup engine services
type Config struct {
	// Network Configuration
	L1RPCURL  string
	L2RPCURL  string
	L1ChainID int64
	L2ChainID int64

	// Contract Addresses
	RollupContractAddress     string
	LiquidityContractAddress  string
	WithdrawalContractAddress string
	RollupDeployedEthBlock    uint64
	LiquidityDeployedEthBlock uint64

	// Database Configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Redis Configuration
	RedisURL  string
	ClusterID string

	// Block Builder Configuration (all durations in seconds)
	BlockBuilderID        string
	BlockBuilderPrivateKey string
	AcceptingTxInterval   int
	ProposingBlockInterval int
	TxTimeout             int
	NonceWaitingTime      int
	DepositCheckInterval  int
	HeartBeatInterval     int
	InitialHeartBeatDelay int
	HeartBeatURL          string
	IsFasterMining        bool
	EmptyBlockEnabled     bool

	// Observer Configuration
	ObserverEventBlockInterval    uint64
	ObserverBackwardBlockInterval uint64
	ObserverMaxQueryTimes         int
	ObserverSyncInterval          int
	ObserverRestartInterval       int

	// Validity Prover Configuration
	WitnessSyncInterval         int
	ValidityProofInterval       int
	AddTasksInterval            int
	CleanupInactiveTasksInterval int
	TaskTTL                     int
	HeartbeatInterval           int

	// Vault Configuration
	MaxBatchSize int

	// Fee Configuration ("token_index:amount,..." strings)
	Beneficiary            string
	RegistrationFee        string
	NonRegistrationFee     string
	CollateralFee          string
	DirectWithdrawalFee    string
	ClaimableWithdrawalFee string
	ClaimFee               string
	FeeScheduleFile        string

	// Service Configuration
	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from environment variables.
//
// SECURITY: Required variables have no defaults and must be explicitly set.
// Call Validate() after Load() to ensure all required configuration is present.
func Load() (*Config, error) {
	cfg := &Config{
		// Network Configuration - REQUIRED, no defaults for production security
		L1RPCURL:  getEnv("L1_RPC_URL", ""),
		L2RPCURL:  getEnv("L2_RPC_URL", ""),
		L1ChainID: getEnvInt64("L1_CHAIN_ID", 1),
		L2ChainID: getEnvInt64("L2_CHAIN_ID", 534352),

		// Contract Addresses
		RollupContractAddress:     getEnv("ROLLUP_CONTRACT_ADDRESS", ""),
		LiquidityContractAddress:  getEnv("LIQUIDITY_CONTRACT_ADDRESS", ""),
		WithdrawalContractAddress: getEnv("WITHDRAWAL_CONTRACT_ADDRESS", ""),
		RollupDeployedEthBlock:    getEnvUint64("ROLLUP_CONTRACT_DEPLOYED_BLOCK_NUMBER", 0),
		LiquidityDeployedEthBlock: getEnvUint64("LIQUIDITY_CONTRACT_DEPLOYED_BLOCK_NUMBER", 0),

		// Database Configuration - REQUIRED, no default for security
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		// Redis Configuration
		RedisURL:  getEnv("REDIS_URL", ""),
		ClusterID: getEnv("CLUSTER_ID", "default"),

		// Block Builder Configuration
		BlockBuilderID:         getEnv("BLOCK_BUILDER_ID", "builder-default"),
		BlockBuilderPrivateKey:  getEnv("BLOCK_BUILDER_PRIVATE_KEY", ""),
		AcceptingTxInterval:    getEnvInt("ACCEPTING_TX_INTERVAL", 40),
		ProposingBlockInterval: getEnvInt("PROPOSING_BLOCK_INTERVAL", 10),
		TxTimeout:              getEnvInt("TX_TIMEOUT", 80),
		NonceWaitingTime:       getEnvInt("NONCE_WAITING_TIME", 5),
		DepositCheckInterval:   getEnvInt("DEPOSIT_CHECK_INTERVAL", 600),
		HeartBeatInterval:      getEnvInt("HEART_BEAT_INTERVAL", 3600),
		InitialHeartBeatDelay:  getEnvInt("INITIAL_HEART_BEAT_DELAY", 60),
		HeartBeatURL:           getEnv("HEART_BEAT_URL", ""),
		IsFasterMining:         getEnvBool("IS_FASTER_MINING", false),
		EmptyBlockEnabled:      getEnvBool("EMPTY_BLOCK_ENABLED", true),

		// Observer Configuration
		ObserverEventBlockInterval:    getEnvUint64("OBSERVER_EVENT_BLOCK_INTERVAL", 10000),
		ObserverBackwardBlockInterval: getEnvUint64("OBSERVER_BACKWARD_BLOCK_INTERVAL", 1000),
		ObserverMaxQueryTimes:         getEnvInt("OBSERVER_MAX_QUERY_TIMES", 5),
		ObserverSyncInterval:          getEnvInt("OBSERVER_SYNC_INTERVAL", 10),
		ObserverRestartInterval:       getEnvInt("OBSERVER_RESTART_INTERVAL", 30),

		// Validity Prover Configuration
		WitnessSyncInterval:          getEnvInt("WITNESS_SYNC_INTERVAL", 5),
		ValidityProofInterval:        getEnvInt("VALIDITY_PROOF_INTERVAL", 5),
		AddTasksInterval:             getEnvInt("ADD_TASKS_INTERVAL", 10),
		CleanupInactiveTasksInterval: getEnvInt("CLEANUP_INACTIVE_TASKS_INTERVAL", 60),
		TaskTTL:                      getEnvInt("TASK_TTL", 3600),
		HeartbeatInterval:            getEnvInt("HEARTBEAT_INTERVAL", 10),

		// Vault Configuration
		MaxBatchSize: getEnvInt("MAX_BATCH_SIZE", 1000),

		// Fee Configuration
		Beneficiary:            getEnv("BENEFICIARY", ""),
		RegistrationFee:        getEnv("REGISTRATION_FEE", ""),
		NonRegistrationFee:     getEnv("NON_REGISTRATION_FEE", ""),
		CollateralFee:          getEnv("COLLATERAL_FEE", ""),
		DirectWithdrawalFee:    getEnv("DIRECT_WITHDRAWAL_FEE", ""),
		ClaimableWithdrawalFee: getEnv("CLAIMABLE_WITHDRAWAL_FEE", ""),
		ClaimFee:               getEnv("CLAIM_FEE", ""),
		FeeScheduleFile:        getEnv("FEE_SCHEDULE_FILE", ""),

		// Service Configuration
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	if cfg.FeeScheduleFile != "" {
		if err := cfg.loadFeeScheduleFile(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// feeScheduleFile is the YAML shape of an external fee schedule.
type feeScheduleFile struct {
	Beneficiary            string `yaml:"beneficiary"`
	RegistrationFee        string `yaml:"registration_fee"`
	NonRegistrationFee     string `yaml:"non_registration_fee"`
	CollateralFee          string `yaml:"collateral_fee"`
	DirectWithdrawalFee    string `yaml:"direct_withdrawal_fee"`
	ClaimableWithdrawalFee string `yaml:"claimable_withdrawal_fee"`
	ClaimFee               string `yaml:"claim_fee"`
}

// loadFeeScheduleFile overlays fee settings from a YAML file. File values
// win over environment values when non-empty.
func (c *Config) loadFeeScheduleFile() error {
	raw, err := os.ReadFile(c.FeeScheduleFile)
	if err != nil {
		return fmt.Errorf("read fee schedule file: %w", err)
	}
	var file feeScheduleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse fee schedule file: %w", err)
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&c.Beneficiary, file.Beneficiary)
	overlay(&c.RegistrationFee, file.RegistrationFee)
	overlay(&c.NonRegistrationFee, file.NonRegistrationFee)
	overlay(&c.CollateralFee, file.CollateralFee)
	overlay(&c.DirectWithdrawalFee, file.DirectWithdrawalFee)
	overlay(&c.ClaimableWithdrawalFee, file.ClaimableWithdrawalFee)
	overlay(&c.ClaimFee, file.ClaimFee)
	return nil
}

// Validate checks that all required configuration is present.
// This must be called after Load() before starting any service.
func (c *Config) Validate() error {
	var errs []string

	if c.L1RPCURL == "" {
		errs = append(errs, "L1_RPC_URL is required but not set")
	}
	if c.L2RPCURL == "" {
		errs = append(errs, "L2_RPC_URL is required but not set")
	}
	if c.RollupContractAddress == "" {
		errs = append(errs, "ROLLUP_CONTRACT_ADDRESS is required but not set")
	}
	if c.LiquidityContractAddress == "" {
		errs = append(errs, "LIQUIDITY_CONTRACT_ADDRESS is required but not set")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	} else if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		errs = append(errs, "DATABASE_URL must use sslmode=require for production security")
	}
	if c.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required but not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development. WARNING: Do not use this in production.
func (c *Config) ValidateForDevelopment() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("development configuration validation failed:\n  - DATABASE_URL is required")
	}
	return nil
}

// Seconds converts a config integer into a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
