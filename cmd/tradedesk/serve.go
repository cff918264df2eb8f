package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/tradedesk/api"
	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the price stream and the front-end API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.restoreDynamicSymbol(ctx, logger)

	dialer := binance.NewStreamDialer(cfg.Binance.StreamURL, logger)
	manager := marketdata.NewManager(
		marketdata.Dialer(dialer),
		a.cache,
		a.prefs,
		cfg.Stream.Manager(a.prefs.QuoteAsset()),
		logger,
	)

	hub := api.NewHub(logger)
	go hub.Run(manager.Listen())

	if err := manager.Start(ctx); err != nil {
		return err
	}

	// warm the rules for the symbols the desk trades most
	for _, symbol := range a.prefs.Favorites() {
		if _, err := a.rules.GetRules(ctx, symbol); err != nil {
			logger.WithError(err).WithField("symbol", symbol).Warn("Failed to prefetch symbol rules")
		}
	}

	server := api.NewServer(api.Deps{
		Engine:  a.engine,
		Stream:  manager,
		Prefs:   a.prefs,
		History: a.store,
		Orders:  a.client,
		Hub:     hub,
	}, api.Options{
		Port:           cfg.Server.Port,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TradeTimeout:   a.engine.Budget(),
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("tradedesk is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err = <-errCh:
		if err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("API server shutdown incomplete")
	}

	manager.Stop()
	cancel()

	logger.Info("tradedesk stopped")
	return err
}
