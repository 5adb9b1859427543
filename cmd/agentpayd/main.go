// Command agentpayd runs one exchange agent: a seller serving the payment
// gated HTTP surface, or a buyer keeping its credit balance topped up.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentpay/internal/api"
	"agentpay/internal/buyer"
	"agentpay/internal/config"
	"agentpay/internal/credential"
	"agentpay/internal/eventbus"
	"agentpay/internal/ledger"
	"agentpay/internal/observability/metrics"
	"agentpay/internal/payment"
	"agentpay/internal/reconcile"
	"agentpay/internal/registry"
	"agentpay/internal/settlement"
	"agentpay/internal/trade"
	"agentpay/internal/wallet"
	"agentpay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("agentpayd")

	signer, err := wallet.NewKeySigner(os.Getenv(cfg.Agent.PrivateKeyEnv))
	if err != nil {
		return fmt.Errorf("load signing key from %s: %w", cfg.Agent.PrivateKeyEnv, err)
	}
	log.Info("agent starting",
		"agent_id", cfg.Agent.ID,
		"role", cfg.Agent.Role,
		"wallet", signer.Address().Hex(),
		"network", cfg.Network.Name)

	chain, err := ledger.Dial(ctx, cfg.Network.RPCURL, cfg.CallTimeout())
	if err != nil {
		return err
	}
	defer chain.Close()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.Agent.Role == "buyer" {
		return runBuyer(ctx, cfg, signer)
	}
	return runSeller(ctx, cfg, signer, chain)
}

func runSeller(ctx context.Context, cfg *config.Config, signer *wallet.KeySigner, chain *ledger.Client) error {
	log := logger.Named("agentpayd")

	var nonces payment.NonceStore
	switch cfg.NonceStore.Driver {
	case "memory":
		nonces = payment.NewMemoryNonceStore()
	case "redis":
		store, err := payment.NewRedisNonceStore(payment.RedisNonceStoreConfig{
			Address:   cfg.NonceStore.Redis.Address,
			Password:  cfg.NonceStore.Redis.Password,
			DB:        cfg.NonceStore.Redis.DB,
			KeyPrefix: cfg.NonceStore.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		nonces = store
	default:
		return fmt.Errorf("unknown nonce store driver: %s", cfg.NonceStore.Driver)
	}
	defer nonces.Close()

	var backend settlement.Backend
	switch cfg.Settlement.Mode {
	case "direct":
		chainBackend, err := settlement.NewChainBackend(chain.Raw(), cfg.Network.ChainID, signer.PrivateKey())
		if err != nil {
			return err
		}
		backend = chainBackend
	case "facilitator":
		facilitator, err := settlement.NewFacilitatorBackend(cfg.Settlement.FacilitatorURL, nil)
		if err != nil {
			return err
		}
		backend = facilitator
	default:
		return fmt.Errorf("unknown settlement mode: %s", cfg.Settlement.Mode)
	}
	executor := settlement.NewExecutor(backend, cfg.SettlementTimeout())

	bus := eventbus.New(cfg.EventBus.Capacity, cfg.EventBus.ReplayDepth)
	if cfg.EventBus.RabbitMQ.URL != "" {
		forwarder, err := eventbus.NewForwarder(eventbus.ForwarderConfig{
			URL:     cfg.EventBus.RabbitMQ.URL,
			Queue:   cfg.EventBus.RabbitMQ.Queue,
			Durable: cfg.EventBus.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		defer forwarder.Close()
		go forwarder.Run(ctx, bus)
	}

	trades := trade.NewLedger(cfg.Pricing.SellerFeePercent)
	issuer := credential.NewIssuer()
	verifier := payment.NewVerifier(cfg.Network.ChainID, nonces)
	reconciler := reconcile.New(chain,
		common.HexToAddress(cfg.Asset.Address),
		cfg.Asset.Decimals,
		cfg.Network.ExplorerBaseURL)

	agents := registry.New()
	agents.Register(registry.AgentStatus{
		AgentID:       cfg.Agent.ID,
		Name:          cfg.Agent.Name,
		WalletAddress: signer.Address().Hex(),
		Status:        registry.StatusActive,
	})
	monitor := registry.NewMonitor(agents, trades, registry.MonitorConfig{
		Interval:         time.Duration(cfg.Buyer.MonitorIntervalSeconds) * time.Second,
		CreditsThreshold: cfg.Buyer.CreditsThreshold,
		TradeMaxAge:      time.Duration(cfg.Sweep.TradeMaxAgeHours) * time.Hour,
		PruneInterval:    time.Duration(cfg.Sweep.PruneIntervalMinutes) * time.Minute,
	})
	go monitor.Run(ctx)
	go runSweeps(ctx, cfg, issuer, nonces)

	server := api.NewServer(cfg, signer.Address().Hex(), trades, issuer, verifier, executor, bus, reconciler, agents)
	err := server.Start(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("agent stopped")
	}
	return err
}

func runBuyer(ctx context.Context, cfg *config.Config, signer *wallet.KeySigner) error {
	authorizer := payment.NewAuthorizer(signer)
	client, err := buyer.NewClient(cfg.Buyer.CounterpartURL, authorizer, nil)
	if err != nil {
		return err
	}
	monitor := buyer.NewMonitor(client, buyer.MonitorConfig{
		Interval:         time.Duration(cfg.Buyer.MonitorIntervalSeconds) * time.Second,
		CreditsThreshold: cfg.Buyer.CreditsThreshold,
		PurchaseCredits:  cfg.Buyer.PurchaseCredits,
	})
	monitor.Run(ctx)
	return ctx.Err()
}

// runSweeps expires credentials and consumed nonces on their intervals.
func runSweeps(ctx context.Context, cfg *config.Config, issuer *credential.Issuer, nonces payment.NonceStore) {
	log := logger.Named("sweeper")
	ticker := time.NewTicker(time.Duration(cfg.Credential.SweepIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := issuer.Sweep(); removed > 0 {
				log.Info("swept credentials", "removed", removed)
			}
			if removed, err := nonces.Sweep(ctx); err != nil {
				log.Warn("nonce sweep failed", "error", err)
			} else if removed > 0 {
				log.Info("swept nonces", "removed", removed)
			}
		}
	}
}
