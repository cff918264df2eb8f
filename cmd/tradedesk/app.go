package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/tradedesk/internal/config"
	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/execution"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/gregtusar/tradedesk/pkg/preferences"
	"github.com/gregtusar/tradedesk/pkg/rules"
	"github.com/gregtusar/tradedesk/pkg/secrets"
	"github.com/gregtusar/tradedesk/pkg/store"
	"github.com/sirupsen/logrus"
)

// app holds the components shared by the serve and trade commands.
type app struct {
	client *binance.Client
	rules  *rules.Cache
	cache  *marketdata.PriceCache
	quoter *marketdata.Quoter
	prefs  *preferences.Provider
	store  *store.TradeStore
	engine *execution.Engine
}

func buildApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	creds, err := resolveCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}

	auth, err := binance.NewAuthenticator(binance.AuthType(strings.ToLower(cfg.Binance.AuthType)), creds.APIKey, creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	client := binance.NewClient(auth, cfg.Binance.Options(), logger)

	prefs, err := preferences.NewProvider(cfg.Trading.Preferences(), logger)
	if err != nil {
		return nil, fmt.Errorf("invalid trading preferences: %w", err)
	}

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	rulesCache := rules.NewCache(client, logger)
	priceCache := marketdata.NewPriceCache()
	quoter := marketdata.NewQuoter(priceCache, client, logger)
	engine := execution.NewEngine(client, rulesCache, quoter, db, cfg.Trading.Execution(), logger)

	return &app{
		client: client,
		rules:  rulesCache,
		cache:  priceCache,
		quoter: quoter,
		prefs:  prefs,
		store:  db,
		engine: engine,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// resolveCredentials prefers keys from config or environment and falls back
// to the encrypted vault.
func resolveCredentials(cfg *config.Config, logger *logrus.Logger) (secrets.Credentials, error) {
	if cfg.Binance.APIKey != "" && cfg.Binance.APISecret != "" {
		return secrets.Credentials{APIKey: cfg.Binance.APIKey, APISecret: cfg.Binance.APISecret}, nil
	}

	vault := secrets.NewVault(cfg.Vault.Path)
	if !vault.Exists() {
		return secrets.Credentials{}, errors.New("no exchange credentials: set BINANCE_API_KEY/BINANCE_API_SECRET or create a vault with 'tradedesk vault init'")
	}
	if cfg.Vault.MasterPassword == "" {
		return secrets.Credentials{}, errors.New("vault found but no master password: set TRADEDESK_VAULT_MASTER_PASSWORD")
	}

	creds, err := vault.Decrypt(cfg.Vault.MasterPassword)
	if err != nil {
		return secrets.Credentials{}, fmt.Errorf("failed to unlock vault: %w", err)
	}
	logger.WithField("path", vault.Path()).Info("Loaded exchange credentials from vault")
	return creds, nil
}

// restoreDynamicSymbol applies the dynamic symbol saved by a previous session.
func (a *app) restoreDynamicSymbol(ctx context.Context, logger *logrus.Logger) {
	saved, err := a.store.Setting(ctx, "dynamic_symbol")
	if err != nil {
		logger.WithError(err).Warn("Failed to read saved dynamic symbol")
		return
	}
	if saved == "" {
		return
	}
	if _, err := a.prefs.SetDynamicSymbol(saved); err != nil {
		logger.WithError(err).Warn("Ignoring saved dynamic symbol")
	}
}
