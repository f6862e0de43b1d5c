// Command kerneld is the clearing kernel daemon's entrypoint: it loads
// configuration, opens the configured storage driver, wires every domain
// engine behind the dispatcher, and starts telemetry. It does not itself
// speak a wire protocol — that belongs to a transport adapter layered on
// top of dispatch.Dispatcher.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"primordia/admin"
	"primordia/allocation"
	"primordia/config"
	"primordia/credit"
	"primordia/dispatch"
	"primordia/escrow"
	"primordia/ledger"
	"primordia/mbs"
	"primordia/merkle"
	"primordia/netting"
	"primordia/observability/logging"
	"primordia/observability/otel"
	"primordia/receipts"
	"primordia/settlement"
	"primordia/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the kernel daemon config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Service.Name, cfg.Service.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Env,
		Endpoint:    cfg.Observability.OTelEndpoint,
		Metrics:     cfg.Observability.OTelEndpoint != "",
		Traces:      cfg.Observability.OTelEndpoint != "",
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := storage.AutoMigrate(db); err != nil {
		logger.Error("migrate storage", "error", err)
		os.Exit(1)
	}

	now := time.Now
	nowMS := func() int64 { return now().UnixMilli() }
	factory := receipts.NewFactory(cfg.Kernel.PublicKeyHex, cfg.Kernel.PrivateKeyHex, nowMS)

	wallet := ledger.NewWallet(db, now)
	indexStore := merkle.NewIndexStore(db, now, cfg.Kernel.PublicKeyHex, cfg.Kernel.PrivateKeyHex)
	creditEngine := credit.NewEngine(db, wallet, factory, now)
	escrowEngine := escrow.NewEngine(db, wallet, factory, now)
	allocationEngine := allocation.NewEngine(db, wallet, factory, now)
	nettingEngine := netting.NewEngine(db, wallet, factory, indexStore, cfg.Kernel.PublicKeyHex, now)
	settlementEngine := settlement.NewEngine(db, wallet, factory, now)
	mbsEngine := mbs.NewEngine(db, wallet, factory, now)
	pauses := admin.NewPauseStore(db)

	adminKeys := make(map[string]bool, len(cfg.Admin.PublicKeysHex))
	for _, k := range cfg.Admin.PublicKeysHex {
		adminKeys[k] = true
	}

	// The dispatcher is the composition root's deliverable; a transport
	// adapter (gRPC, stdin/stdout, whatever this deployment needs) takes it
	// from here and is wired in separately.
	_ = dispatch.New(dispatch.Config{
		DB: db, Wallet: wallet, Credit: creditEngine, Escrow: escrowEngine,
		Allocation: allocationEngine, Netting: nettingEngine, Settlement: settlementEngine, MBS: mbsEngine,
		IndexStore: indexStore, Pauses: pauses, AdminKeys: adminKeys, Now: now,
	})

	logger.Info("clearing kernel started", "service", cfg.Service.Name, "env", cfg.Service.Env)

	<-ctx.Done()
	logger.Info("clearing kernel shutting down")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}
