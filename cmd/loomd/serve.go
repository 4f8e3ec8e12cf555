package main

import (
	"context"
	gosql "database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/ovidian/loom/loom"
	"github.com/ovidian/loom/observe/prom"
	lsql "github.com/ovidian/loom/store/sql"
)

func newServeCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the scheduler core and its metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v, *configPath)
		},
	}
}

func runServe(v *viper.Viper, configPath string) error {
	cfg, err := loadConfig(v, configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("loomd: create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "loom.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := gosql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("loomd: open sqlite: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite serializes writes; matches the teacher's own setting

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lsql.InitDB(ctx, db); err != nil {
		return fmt.Errorf("loomd: init schema: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	sink := prom.New(registry)

	store := lsql.New(db)
	core := loom.New(cfg.toLoomConfig(), store, nil, sink, log)

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("loomd: start core: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		log.Info("metrics endpoint listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", "err", err)
	}
	if err := core.Stop(10 * time.Second); err != nil {
		log.Warn("core shutdown failed", "err", err)
	}
	return nil
}
