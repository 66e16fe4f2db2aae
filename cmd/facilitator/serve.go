package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/x402-foundation/settlex"
	"github.com/x402-foundation/settlex/audit"
	"github.com/x402-foundation/settlex/evm"
	"github.com/x402-foundation/settlex/httpapi"
	"github.com/x402-foundation/settlex/receipt"
	"github.com/x402-foundation/settlex/signer"
	"github.com/x402-foundation/settlex/storage"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the facilitator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "facilitator.yaml", "path to config file")
	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditStore, err := audit.Open(cfg.AuditDB)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	opts := []settlex.FacilitatorOption{
		settlex.WithLogger(logger),
		settlex.WithSettleTimeout(cfg.SettleTimeout),
		settlex.WithAuditLog(auditStore),
	}

	var publisherSigner *signer.Signer
	if cfg.Receipts.Enabled {
		publisherSigner, err = signer.NewFromPrivateKey(cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to load publisher key: %w", err)
		}

		builderOpts := []receipt.BuilderOption{}
		if cfg.Receipts.StrictTotals {
			builderOpts = append(builderOpts, receipt.WithStrictTotals())
		}
		builder := receipt.NewBuilder(logger, builderOpts...)

		publisher := storage.NewPublisher(storage.Config{
			GatewayURL:   cfg.Storage.GatewayURL,
			ExplorerURL:  cfg.Storage.ExplorerURL,
			Bucket:       cfg.Storage.Bucket,
			BackupDir:    cfg.Storage.BackupDir,
			DataShards:   cfg.Storage.DataShards,
			ParityShards: cfg.Storage.ParityShards,
		}, publisherSigner, logger)

		opts = append(opts, settlex.WithReceiptPipeline(builder, publisher))
	}

	facilitator := settlex.NewFacilitator(opts...)

	for _, nc := range cfg.Networks {
		backend, err := signer.Dial(ctx, cfg.PrivateKey, nc.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", nc.Network, err)
		}

		asset := nc.Asset
		if asset == "" {
			netCfg, ok := evm.GetNetworkConfig(nc.Network)
			if !ok {
				return fmt.Errorf("unsupported network: %s", nc.Network)
			}
			asset = netCfg.DefaultAsset.Address
		}

		ledger := evm.NewTokenLedger(backend, asset, logger.With(zap.String("network", nc.Network)))
		facilitator.Register(nc.Network, evm.NewVerifier(ledger), ledger)
		logger.Info("network registered",
			zap.String("network", nc.Network),
			zap.String("asset", asset),
			zap.String("submitter", backend.Address()))
	}

	server := httpapi.NewServer(facilitator, logger, httpapi.WithAuditStore(auditStore))
	return server.Run(ctx, cfg.Listen)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
