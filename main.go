// Copyright 2025 Intmax Protocol
//
// Service entrypoint. Wires the shared infrastructure (Postgres, Redis,
// chain clients, verifier registry) and starts the subsystems selected by
// SERVICE_MODE: "all" (default), "observer", "prover", "builder" or
// "withdrawal".

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/InternetMaximalism/intmax2-core/pkg/builder"
	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/config"
	"github.com/InternetMaximalism/intmax2-core/pkg/database"
	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/observer"
	"github.com/InternetMaximalism/intmax2-core/pkg/prover"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/taskqueue"
	"github.com/InternetMaximalism/intmax2-core/pkg/trees"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
	"github.com/InternetMaximalism/intmax2-core/pkg/withdrawal"
)

func main() {
	logger := log.New(os.Stdout, "[Main] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared infrastructure ------------------------------------------------

	db, err := database.NewClient(database.Options{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DatabaseMaxConns,
		MaxIdleConns:    cfg.DatabaseMinConns,
		ConnMaxIdleTime: config.Seconds(cfg.DatabaseMaxIdleTime),
		ConnMaxLifetime: config.Seconds(cfg.DatabaseMaxLifetime),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(ctx); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	chain, err := rollup.NewClient(&rollup.ClientConfig{
		L1URL:             cfg.L1RPCURL,
		L2URL:             cfg.L2RPCURL,
		L1ChainID:         cfg.L1ChainID,
		L2ChainID:         cfg.L2ChainID,
		PrivateKeyHex:     cfg.BlockBuilderPrivateKey,
		RollupAddress:     common.HexToAddress(cfg.RollupContractAddress),
		LiquidityAddress:  common.HexToAddress(cfg.LiquidityContractAddress),
		WithdrawalAddress: common.HexToAddress(cfg.WithdrawalContractAddress),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to chain: %v", err)
	}

	registry, err := loadVerifierRegistry()
	if err != nil {
		logger.Fatalf("Failed to build verifier registry: %v", err)
	}

	vaultStore := vault.NewSQLStore(db)
	metricsRegistry := prometheus.NewRegistry()

	mode := os.Getenv("SERVICE_MODE")
	if mode == "" {
		mode = "all"
	}
	logger.Printf("Starting services (mode=%s, cluster=%s)", mode, cfg.ClusterID)

	// Observer -------------------------------------------------------------

	eventLog := observer.NewRepository(db)
	if mode == "all" || mode == "observer" {
		obs, err := observer.New(ctx, &observer.Config{
			EventBlockInterval:        cfg.ObserverEventBlockInterval,
			BackwardBlockInterval:     cfg.ObserverBackwardBlockInterval,
			MaxQueryTimes:             cfg.ObserverMaxQueryTimes,
			SyncInterval:              config.Seconds(cfg.ObserverSyncInterval),
			RestartInterval:           config.Seconds(cfg.ObserverRestartInterval),
			RollupDeployedEthBlock:    cfg.RollupDeployedEthBlock,
			LiquidityDeployedEthBlock: cfg.LiquidityDeployedEthBlock,
		}, chain, chain, eventLog)
		if err != nil {
			logger.Fatalf("Failed to start observer: %v", err)
		}
		metricsRegistry.MustRegister(obs.Collectors()...)
		obs.StartAllJobs(ctx)
	}

	// Validity prover ------------------------------------------------------

	queue := taskqueue.NewRedisQueue(rdb, &taskqueue.RedisQueueConfig{
		Prefix:       cfg.ClusterID + ":transition_tasks",
		TaskTTL:      config.Seconds(cfg.TaskTTL),
		HeartbeatTTL: config.Seconds(cfg.HeartbeatInterval) * 3,
	})
	proverRepo := prover.NewRepository(db)
	validityProver := prover.New(&prover.Config{
		WitnessSyncInterval:   config.Seconds(cfg.WitnessSyncInterval),
		ValidityProofInterval: config.Seconds(cfg.ValidityProofInterval),
		AddTasksInterval:      config.Seconds(cfg.AddTasksInterval),
		CleanupInterval:       config.Seconds(cfg.CleanupInactiveTasksInterval),
		RestartInterval:       config.Seconds(cfg.ObserverRestartInterval),
	}, trees.NewSQLStore(db), eventLog, proverRepo, queue, proverElections(rdb, cfg), registry)

	if mode == "all" || mode == "prover" {
		if err := validityProver.Initialize(ctx); err != nil {
			logger.Fatalf("Failed to initialize validity prover: %v", err)
		}
		metricsRegistry.MustRegister(validityProver.Collectors()...)
		validityProver.StartAllJobs(ctx)
	}

	// Block builder --------------------------------------------------------

	if mode == "all" || mode == "builder" {
		beneficiary, err := parseBeneficiary(cfg.Beneficiary)
		if err != nil {
			logger.Fatalf("Invalid BENEFICIARY: %v", err)
		}
		registrationFee, err := fee.ParseFeeList(cfg.RegistrationFee)
		if err != nil {
			logger.Fatalf("Invalid REGISTRATION_FEE: %v", err)
		}
		nonRegistrationFee, err := fee.ParseFeeList(cfg.NonRegistrationFee)
		if err != nil {
			logger.Fatalf("Invalid NON_REGISTRATION_FEE: %v", err)
		}
		collateralFee, err := fee.ParseFeeList(cfg.CollateralFee)
		if err != nil {
			logger.Fatalf("Invalid COLLATERAL_FEE: %v", err)
		}

		var feeValidator *fee.Validator
		if beneficiary != nil {
			feeValidator = fee.NewValidator(vaultStore, registry, fee.NewSQLNullifierStore(db), nil)
		}

		nonces := builder.NewInMemoryNonceManager(0, 0)
		builderCfg := &builder.Config{
			AcceptingTxInterval:    config.Seconds(cfg.AcceptingTxInterval),
			ProposingBlockInterval: config.Seconds(cfg.ProposingBlockInterval),
			TxTimeout:              config.Seconds(cfg.TxTimeout),
			NonceWaitingTime:       config.Seconds(cfg.NonceWaitingTime),
			DepositCheckInterval:   config.Seconds(cfg.DepositCheckInterval),
			HeartBeatInterval:      config.Seconds(cfg.HeartBeatInterval),
			InitialHeartBeatDelay:  config.Seconds(cfg.InitialHeartBeatDelay),
			HeartBeatURL:           cfg.HeartBeatURL,
			EmptyBlockEnabled:      cfg.EmptyBlockEnabled,
			Beneficiary:            beneficiary,
			BuilderAddress:         chain.BuilderAddress(),
			RegistrationFee:        registrationFee,
			NonRegistrationFee:     nonRegistrationFee,
			CollateralFee:          collateralFee,
		}
		if cfg.IsFasterMining {
			builderCfg.AcceptingTxInterval /= 2
			builderCfg.ProposingBlockInterval /= 2
		}
		storage := builder.NewRedisStorage(rdb, &builder.StorageConfig{
			AcceptingTxInterval:    builderCfg.AcceptingTxInterval,
			ProposingBlockInterval: builderCfg.ProposingBlockInterval,
			TxTimeout:              builderCfg.TxTimeout,
			DepositCheckInterval:   builderCfg.DepositCheckInterval,
			BuilderAddress:         chain.BuilderAddress(),
			FeeCollectionEnabled:   feeValidator != nil,
		}, nonces, cfg.ClusterID+":"+cfg.BlockBuilderID, config.Seconds(cfg.TaskTTL), nil)

		blockBuilder := builder.New(builderCfg, storage, nonces, chain, validityProver, feeValidator)
		metricsRegistry.MustRegister(blockBuilder.Collectors()...)
		blockBuilder.Run(ctx)
	}

	// Withdrawal server ----------------------------------------------------

	if mode == "all" || mode == "withdrawal" {
		beneficiary, err := parseBeneficiary(cfg.Beneficiary)
		if err != nil {
			logger.Fatalf("Invalid BENEFICIARY: %v", err)
		}
		directFee, err := fee.ParseFeeList(cfg.DirectWithdrawalFee)
		if err != nil {
			logger.Fatalf("Invalid DIRECT_WITHDRAWAL_FEE: %v", err)
		}
		claimableFee, err := fee.ParseFeeList(cfg.ClaimableWithdrawalFee)
		if err != nil {
			logger.Fatalf("Invalid CLAIMABLE_WITHDRAWAL_FEE: %v", err)
		}
		claimFee, err := fee.ParseFeeList(cfg.ClaimFee)
		if err != nil {
			logger.Fatalf("Invalid CLAIM_FEE: %v", err)
		}
		directTokens, err := chain.GetDirectWithdrawalTokenIndices(ctx)
		if err != nil {
			logger.Printf("Failed to fetch direct withdrawal tokens: %v (using empty set)", err)
		}
		withdrawal.NewServer(&withdrawal.Config{
			Registry:               registry,
			Chain:                  chain,
			Vault:                  vaultStore,
			Store:                  withdrawal.NewSQLRecordStore(db),
			Beneficiary:            beneficiary,
			Fees:                   &withdrawal.FeeSchedules{DirectWithdrawalFee: directFee, ClaimableWithdrawalFee: claimableFee, ClaimFee: claimFee},
			DirectWithdrawalTokens: directTokens,
		})
		logger.Println("Withdrawal server ready")
	}

	// Metrics --------------------------------------------------------------

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("Metrics server stopped: %v", err)
		}
	}()

	// Shutdown -------------------------------------------------------------

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("Received %s; shutting down", sig)
	cancel()
	time.Sleep(time.Second)
}

func proverElections(rdb *redis.Client, cfg *config.Config) *prover.Elections {
	ttl := config.Seconds(cfg.HeartbeatInterval)
	mk := func(name string) prover.Election {
		return taskqueue.NewLeaderElection(rdb, cfg.ClusterID+":leader:"+name, ttl, nil)
	}
	return &prover.Elections{
		WitnessSync:   mk("sync_validity_witness"),
		ValidityProof: mk("generate_validity_proof"),
		AddTasks:      mk("add_tasks"),
		Cleanup:       mk("cleanup_inactive_tasks"),
	}
}

func parseBeneficiary(s string) (*types.U256, error) {
	if s == "" {
		return nil, nil
	}
	b, err := types.Bytes32FromHex(s)
	if err != nil {
		return nil, err
	}
	return types.U256FromBytes32(b), nil
}

// loadVerifierRegistry reads the circuit verification keys from
// VERIFIER_KEYS_DIR and builds the shared registry.
func loadVerifierRegistry() (*circuits.Registry, error) {
	dir := os.Getenv("VERIFIER_KEYS_DIR")
	if dir == "" {
		return nil, fmt.Errorf("VERIFIER_KEYS_DIR is required")
	}
	read := func(name string) ([]byte, error) {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read verifier key %s: %w", name, err)
		}
		return raw, nil
	}
	keys := &circuits.VerifierKeys{}
	var err error
	if keys.Validity, err = read("validity.vk"); err != nil {
		return nil, err
	}
	if keys.Transition, err = read("transition.vk"); err != nil {
		return nil, err
	}
	if keys.Balance, err = read("balance.vk"); err != nil {
		return nil, err
	}
	if keys.Spent, err = read("spent.vk"); err != nil {
		return nil, err
	}
	if keys.SingleWithdrawal, err = read("single_withdrawal.vk"); err != nil {
		return nil, err
	}
	if keys.SingleClaim, err = read("single_claim.vk"); err != nil {
		return nil, err
	}
	return circuits.BuildRegistry(keys)
}
