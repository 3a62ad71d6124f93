package app

import (
	"context"
	"log/slog"

	"margin_go/internal/domain"
	"margin_go/internal/infra"
	"margin_go/internal/infra/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Metrics *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB).
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping margin engine...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Database.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	b.Metrics = &infra.Metrics{}

	return nil
}

// Classifier returns a symbol -> asset class resolver backed by the
// instrument catalog, falling back to symbol-shape inference for symbols
// that were never configured.
func (b *Bootstrap) Classifier() func(string) domain.AssetClass {
	return func(symbol string) domain.AssetClass {
		inst, err := b.Storage.InstrumentBySymbol(context.Background(), symbol)
		if err != nil || inst == nil {
			return domain.InferAssetClass(symbol)
		}
		return inst.AssetClassOf()
	}
}
