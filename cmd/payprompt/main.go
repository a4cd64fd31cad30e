package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"payprompt/internal/api"
	"payprompt/internal/billing"
	"payprompt/internal/catalog"
	"payprompt/internal/chain"
	"payprompt/internal/config"
	"payprompt/internal/crypto"
	"payprompt/internal/metrics"
	"payprompt/internal/providers/registry"
	"payprompt/internal/queue"
	"payprompt/internal/relay"
	"payprompt/internal/session"
	"payprompt/internal/siwe"
	"payprompt/internal/storage"
	"payprompt/internal/telegram"
	"payprompt/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log.Level)

	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1], cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
		}
		return
	}

	log.Info().
		Str("mode", cfg.AppMode).
		Bool("demo_relay", cfg.Chain.Demo()).
		Str("force_execution_model", cfg.Billing.ForceExecutionModel).
		Msg("starting payprompt")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	models, err := loadCatalog(cfg.Billing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load model catalog")
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.Providers.ClientTimeout}
	gateway, err := registry.BuildGateway(providerOptions(cfg.Providers, httpClient))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider gateway")
	}

	var sessionCache session.Cache = session.NewRedisCache(rdb, cfg.Redis.SessionCacheTTL)
	if cfg.SIWE.SessionLRUSize > 0 {
		lru, err := session.NewLRUCache(cfg.SIWE.SessionLRUSize)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create session cache")
		}
		sessionCache = lru
	}
	sessions := session.NewDirectory(session.Config{
		Repo:   store,
		Cache:  sessionCache,
		TTL:    cfg.SIWE.SessionTTL,
		Logger: log.Logger.With().Str("component", "session").Logger(),
	})

	pipeline, err := billing.New(billing.Config{
		Ledger:              store,
		Catalog:             models,
		Sessions:            sessions,
		Provider:            gateway,
		ForceExecutionModel: cfg.Billing.ForceExecutionModel,
		Logger:              log.Logger.With().Str("component", "billing").Logger(),
		Metrics:             m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create billing pipeline")
	}

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock, log.Logger)
	results := queue.NewResultStore(rdb, cfg.Redis.JobResultTTL)

	errCh := make(chan error, 4)
	var updater *ext.Updater
	var httpServer *http.Server

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		var alerter relay.Alerter
		if cfg.Telegram.BotToken != "" {
			bot, err := gotgbot.NewBot(cfg.Telegram.BotToken, nil)
			if err != nil {
				log.Fatal().Str("error", telegram.SanitizeError(err, cfg.Telegram.BotToken)).Msg("failed to create telegram bot")
			}
			log.Info().Str("bot_username", bot.User.Username).Msg("telegram alerts enabled")
			alerter = telegram.NewNotifier(bot, cfg.Telegram.AlertChatID, cfg.Telegram.BotToken, log.Logger)
			updater = startAdminBot(bot, cfg, store, models)
		}

		submitter, relayer, err := buildSubmitter(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure chain relay")
		}
		if submitter != nil {
			defer submitter.Close()
			log.Info().Str("relayer", relayer.Hex()).Str("rpc_url", cfg.Chain.RPCURL).Msg("on-chain relay enabled")
		}

		rl := relay.New(relay.Config{
			Ledger:    store,
			Submitter: asSubmitter(submitter),
			Token:     common.HexToAddress(cfg.Chain.TokenContract),
			Vault:     vaultAddress(cfg.Chain.VaultAddress),
			ChainID:   cfg.Chain.ChainID,
			Alerter:   alerter,
			Logger:    log.Logger.With().Str("component", "relay").Logger(),
			Metrics:   m,
		})
		verifier := siwe.NewVerifier(siwe.Config{
			Accounts:         store,
			Sessions:         sessions,
			VerifySignatures: cfg.SIWE.VerifySignatures,
			Logger:           log.Logger.With().Str("component", "siwe").Logger(),
		})

		srv := api.New(api.Config{
			Relay:       rl,
			Pipeline:    pipeline,
			SignIn:      verifier,
			Ledger:      store,
			Catalog:     models,
			Queue:       jobQueue,
			Results:     results,
			RateLimiter: queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Idempotency: queue.NewIdempotencyGuard(rdb, cfg.Redis.IdempotencyTTL),
			Metrics:     m,
			Logger:      log.Logger.With().Str("component", "api").Logger(),
			CORSOrigin:  cfg.HTTP.CORSOrigin,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
			Ready: func(ctx context.Context) error {
				if err := store.DB().PingContext(ctx); err != nil {
					return fmt.Errorf("database: %w", err)
				}
				return rdb.Ping(ctx).Err()
			},
		})
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           http.TimeoutHandler(srv.Handler(), cfg.HTTP.RequestTimeout, `{"success":false,"error":"request timed out"}`),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Results:       results,
			Pipeline:      pipeline,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger.With().Str("component", "worker").Logger(),
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func loadCatalog(cfg config.BillingConfig) (*catalog.Catalog, error) {
	c := catalog.Default()
	if cfg.ModelsFile != "" {
		loaded, err := catalog.LoadFile(cfg.ModelsFile)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	if cfg.DefaultModel != "" && cfg.DefaultModel != c.DefaultID() {
		return catalog.New(c.List(), cfg.DefaultModel)
	}
	return c, nil
}

func providerOptions(cfg config.ProvidersConfig, hc *http.Client) []registry.BuildOptions {
	return []registry.BuildOptions{
		{Kind: catalog.ProviderGroq, APIKey: cfg.Groq.APIKey, BaseURL: cfg.Groq.BaseURL, HTTPClient: hc},
		{Kind: catalog.ProviderXAI, APIKey: cfg.XAI.APIKey, BaseURL: cfg.XAI.BaseURL, HTTPClient: hc},
		{Kind: catalog.ProviderGoogle, APIKey: cfg.Google.APIKey, BaseURL: cfg.Google.BaseURL, HTTPClient: hc},
		{Kind: catalog.ProviderAnthropic, APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL, HTTPClient: hc},
	}
}

// buildSubmitter returns a nil submitter in demo mode.
func buildSubmitter(ctx context.Context, cfg *config.Config) (*chain.RPCSubmitter, common.Address, error) {
	if cfg.Chain.Demo() {
		return nil, common.Address{}, nil
	}
	raw, err := relayerKey(cfg)
	if err != nil {
		return nil, common.Address{}, err
	}
	key, err := chain.ParseRelayerKey(raw)
	if err != nil {
		return nil, common.Address{}, err
	}
	sub, err := chain.DialRPC(ctx, chain.RPCConfig{
		URL:             cfg.Chain.RPCURL,
		ChainID:         cfg.Chain.ChainID,
		Token:           common.HexToAddress(cfg.Chain.TokenContract),
		Relayer:         key.Address(),
		ReceiptAttempts: cfg.Chain.ReceiptAttempts,
		ReceiptInterval: cfg.Chain.ReceiptInterval,
		Logger:          log.Logger.With().Str("component", "chain").Logger(),
	})
	if err != nil {
		return nil, common.Address{}, err
	}
	return sub, key.Address(), nil
}

func relayerKey(cfg *config.Config) (string, error) {
	if cfg.Chain.RelayerKeySealed == "" {
		return cfg.Chain.RelayerKey, nil
	}
	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return "", fmt.Errorf("master keys: %w", err)
	}
	return sealer.Open(crypto.PurposeRelayerKey, cfg.Chain.RelayerKeySealed)
}

// asSubmitter keeps a nil *RPCSubmitter from becoming a non-nil interface.
func asSubmitter(s *chain.RPCSubmitter) chain.Submitter {
	if s == nil {
		return nil
	}
	return s
}

func vaultAddress(raw string) common.Address {
	if !common.IsHexAddress(raw) {
		return common.Address{}
	}
	return common.HexToAddress(raw)
}

func startAdminBot(bot *gotgbot.Bot, cfg *config.Config, store *storage.Store, models *catalog.Catalog) *ext.Updater {
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(telegram.SanitizeError(err, cfg.Telegram.BotToken))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      10,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			AdminChatID: cfg.Telegram.AlertChatID,
			Logger:      log.Logger,
		},
	})
	telegram.NewService(telegram.Config{
		Ledger:  store,
		Catalog: models,
		Logger:  log.Logger.With().Str("component", "telegram").Logger(),
	}).Register(dispatcher)

	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})
	if err := updater.StartPolling(bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 50,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 60 * time.Second,
			},
		},
	}); err != nil {
		log.Error().Str("error", telegram.SanitizeError(err, cfg.Telegram.BotToken)).Msg("admin commands disabled: polling failed")
		return nil
	}
	log.Info().Msg("admin command polling started")
	return updater
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
