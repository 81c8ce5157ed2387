package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"nanohost/cfg"
	"nanohost/svc/api"
	"nanohost/svc/cache"
	"nanohost/svc/db"
	"nanohost/svc/ledger"
	"nanohost/svc/lim"
	"nanohost/svc/notify"
	"nanohost/svc/price"
	"nanohost/svc/store"
	"nanohost/svc/svc"
)

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {

		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}

		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						break
					}
				}
			}
		}

		if os.Getenv("HOSTING_DOMAIN") == "" {
			os.Setenv("HOSTING_DOMAIN", "https://files.example.com")
		}
		if os.Getenv("S3_BUCKET") == "" {
			os.Setenv("S3_BUCKET", "hosting-test")
		}
		if os.Getenv("ADMIN_TOKEN") == "" {
			os.Setenv("ADMIN_TOKEN", "system-test-admin-token")
		}
	})
}

func createTestConfig() *cfg.Cfg {
	loadTestEnv()

	c, err := cfg.Load()
	if err != nil {
		fmt.Printf("DEBUG: cfg.Load() failed: %v\n", err)

		c = &cfg.Cfg{
			HostingDomain:         "https://files.example.com",
			HostingPrefix:         "cdn",
			MinRetentionMinutes:   15,
			MaxFileSize:           11_000_000_000,
			Bucket:                "hosting-test",
			UploadURLExpiry:       time.Hour,
			RetentionSafetyMargin: 5 * time.Minute,
			PricePerGBMonth:       50_000,
			MinPrice:              546,
			AdminToken:            cfg.NewSecret("system-test-admin-token"),
			InvoiceTTL:            24 * time.Hour,
			EventCacheSize:        1000,
		}
	}

	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	c.ContextTimeout = 30 * time.Second
	c.RateLimit = cfg.RateLimitCfg{
		RPM:               100000,
		Burst:             10000,
		ConservativeLimit: 50000,
	}

	return c
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())

	maxOpenConns := c.DBMaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 250
	}
	maxIdleConns := c.DBMaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 25
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}

	sqlDB, err := db.NewSQLiteWithConfig(dsn, maxOpenConns, maxIdleConns, queryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	t.Helper()
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestWallet(t *testing.T) *ledger.Wallet {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	wif, err := btcutil.NewWIF(priv, &chaincfg.MainNetParams, true)
	if err != nil {
		t.Fatal(err)
	}
	w, err := ledger.NewWallet(wif.String())
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// acceptAllVerifier stands in for on-chain payment verification so system
// tests can exercise the upload lifecycle without assembling signed
// transactions.
type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(ctx context.Context, rawTxHex string, amount int64) error {
	return nil
}

func createTestHosting(t *testing.T, c *cfg.Cfg, sqlDB *db.SQLite, objStore store.ObjectStore) *svc.Hosting {
	t.Helper()
	wallet := createTestWallet(t)
	hosting := svc.NewHosting(
		sqlDB,
		objStore,
		price.Quoter{PerGBMonth: c.PricePerGBMonth, Min: c.MinPrice},
		ledger.NewBuilder(wallet),
		ledger.NewClient(ledger.DryRunSubmitter{}, nil),
		acceptAllVerifier{},
		createTestLRU(t, 100),
		c,
	)
	return hosting
}

func setupTestServer(t *testing.T) (*httptest.Server, *store.Memory, func()) {
	t.Helper()
	c := createTestConfig()

	sqlDB := createTestDB(t, c)
	mem := store.NewMemory(c.HostingDomain)
	adCache := createTestLRU(t, 100)
	hosting := createTestHosting(t, c, sqlDB, mem)

	trigger := notify.NewTrigger(mem, adCache, nil, "http://127.0.0.1:0/advertise", c.AdminToken.Value(), c.HostingPrefix, 5*time.Second)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, []string{"127.0.0.0/8", "::1"})

	server := api.NewServer(c, hosting, trigger, limiter, sqlDB, nil)
	ts := httptest.NewServer(server)

	cleanup := func() {
		ts.Close()
		limiter.Stop()
		hosting.Shutdown()
		sqlDB.Close()
	}

	return ts, mem, cleanup
}
