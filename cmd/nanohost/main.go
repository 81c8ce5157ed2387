package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nanohost/cfg"
	"nanohost/metrics"
	"nanohost/pkg/secrets"
	"nanohost/svc/api"
	"nanohost/svc/cache"
	"nanohost/svc/db"
	"nanohost/svc/ledger"
	"nanohost/svc/lim"
	"nanohost/svc/notify"
	"nanohost/svc/price"
	"nanohost/svc/store"
	"nanohost/svc/svc"
	"nanohost/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "nanohost.db"
		}

		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting nanohost API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretsAdapter, err := secrets.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets adapter")
		os.Exit(1)
	}
	if c.AdminToken.Value() == "" {
		if tok, err := secretsAdapter.GetSecret(ctx, "ADMIN_TOKEN"); err == nil && tok != "" {
			c.AdminToken = cfg.NewSecret(tok)
		}
	}
	wifStr := c.ServerWIF.Value()
	if c.WIFFromSecrets {
		wifStr, err = secretsAdapter.GetSecret(ctx, "SERVER_WIF")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load signing key from secrets")
			os.Exit(1)
		}
	}
	if wifStr == "" {
		util.Fatal().Msg("CRITICAL: SERVER_WIF must be set (env or secrets provider)")
		os.Exit(1)
	}
	wallet, err := ledger.NewWallet(wifStr)
	wifStr = ""
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: invalid signing key")
		os.Exit(1)
	}
	util.Info().Str("address", wallet.Address()).Msg("publisher identity loaded")

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	objStore, err := store.NewS3(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize object store")
		os.Exit(1)
	}
	util.Info().Str("bucket", c.Bucket).Msg("object store initialized")

	adCache, err := cache.NewLRU(c.EventCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create advertisement cache")
		os.Exit(1)
	}

	var submitter ledger.LedgerSubmitter
	if c.WalletURL != "" {
		submitter = ledger.NewHTTPWallet(c.WalletURL, c.BroadcastTimeout)
	} else {
		util.Warn().Msg("WALLET_URL not set, ledger submissions are dry runs")
		submitter = ledger.DryRunSubmitter{}
	}
	var bridges ledger.Broadcaster
	if len(c.BridgeURLs) > 0 {
		bridges = ledger.NewHTTPBridges(c.BridgeURLs, c.BroadcastTimeout)
	}
	broadcast := ledger.NewClient(submitter, bridges)
	builder := ledger.NewBuilder(wallet)
	verifier := ledger.NewOutputVerifier(wallet)

	quoter := price.Quoter{PerGBMonth: c.PricePerGBMonth, Min: c.MinPrice}
	hosting := svc.NewHosting(sqlDB, objStore, quoter, builder, broadcast, verifier, adCache, c)
	util.Info().Msg("hosting service initialized")

	advertiseURL := "http://127.0.0.1:" + c.Port + "/advertise"
	trigger := notify.NewTrigger(objStore, adCache, rdb, advertiseURL, c.AdminToken.Value(), c.HostingPrefix, c.BroadcastTimeout)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, hosting, trigger, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartCleaner(ctx, sqlDB, c.CleanupInterval, c.InvoiceTTL); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	} else {
		util.Info().Msg("stale invoice cleanup worker started")
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	hosting.Shutdown()
	util.Info().Msg("shutdown complete")
}
