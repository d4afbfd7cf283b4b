package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"paylock/auth"
	"paylock/config"
	"paylock/escrow"
	"paylock/milestones"
	"paylock/models"
	"paylock/notify"
	"paylock/observability/logging"
	"paylock/payments"
	"paylock/processor"
	"paylock/proofs"
	"paylock/recon"
	"paylock/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := logging.Setup("paylockd", os.Getenv("PAYLOCK_ENV"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Error("database connection error", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "error", err)
		os.Exit(1)
	}

	signer, err := proofs.NewSigner([]byte(cfg.ProofKey))
	if err != nil {
		logger.Error("proof signer error", "error", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, nil)
	if err != nil {
		logger.Error("auth verifier error", "error", err)
		os.Exit(1)
	}

	processorClient := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey,
		processor.WithTimeout(cfg.Processor.Timeout.Duration),
		processor.WithRetries(cfg.Processor.MaxRetries, cfg.Processor.RetryBackoff.Duration))

	queue := notify.NewQueue()
	dispatcher := notify.NewDispatcher(queue)
	worker := notify.NewWorker(db, queue)

	escrows := escrow.NewManager(db, processorClient, dispatcher, nil)
	paymentsMgr := payments.NewManager(db, processorClient, escrows, dispatcher, nil)
	milestonesMgr := milestones.NewManager(db, escrows, dispatcher, nil)
	proofsSvc := proofs.NewService(db, signer, cfg.Proofs.TTL.Duration, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)

	reconciler := recon.NewReconciler(db, escrows, cfg.Refunds.Grace.Duration, nil)
	scheduler := recon.NewScheduler(reconciler, cfg.Refunds.Interval.Duration)
	go scheduler.Run(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics listener starting", "addr", cfg.MetricsAddress)
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			slog.Error("metrics listener failed", "error", err)
		}
	}()

	srv := server.New(server.Config{
		DB:            db,
		Payments:      paymentsMgr,
		Escrows:       escrows,
		Milestones:    milestonesMgr,
		Proofs:        proofsSvc,
		Verifier:      verifier,
		WebhookSecret: cfg.Processor.WebhookSecret,
	})

	logger.Info("paylockd starting", "addr", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
