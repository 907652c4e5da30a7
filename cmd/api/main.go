package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/config"
	"corpusguard.org/internal/directory"
	"corpusguard.org/internal/httpapi"
	"corpusguard.org/internal/obs"
	"corpusguard.org/internal/store/pg"
	"corpusguard.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backends are the stores the core runs on, chosen from configuration.
type backends struct {
	accounts    auth.AccountStore
	lockouts    auth.LockoutStore
	revocations auth.Revocations
	grants      acl.Store
	entries     audit.Store
	catalog     authz.Catalog
	probe       httpapi.ReadyProbe
	closers     []func() error
	// purge drops expired revocations; nil when revocations live in Redis
	// or memory, which expire on their own.
	purge func(context.Context) (int64, error)
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}
	if cfg.PostgresDSN != "" {
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.accounts, b.lockouts, b.revocations = db, db, db
		b.grants, b.entries, b.catalog = db, db, db
		b.probe.Stores = append(b.probe.Stores, db)
		b.purge = db.PurgeRevocations
	} else {
		if cfg.IsProd() {
			return nil, errors.New("CORPUSGUARD_PG_DSN is required in prod")
		}
		obs.LogEvent("warn", "memory_backends", map[string]any{"reason": "no postgres dsn configured"})
		b.accounts = auth.NewMemoryAccounts()
		b.lockouts = auth.NewMemoryLockouts()
		b.revocations = auth.NewMemoryRevocations()
		b.grants = acl.NewMemoryStore()
		b.entries = audit.NewMemoryStore()
		b.catalog = authz.NewStaticResolver()
	}

	if cfg.RedisAddr != "" {
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, rs.Close)
		b.lockouts, b.revocations = rs, rs
		b.probe.Stores = append(b.probe.Stores, rs)
		b.purge = nil
	}
	return b, nil
}

// purgeLoop trims the revocation table until ctx ends.
func (b *backends) purgeLoop(ctx context.Context, every time.Duration) {
	if b.purge == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.purge(ctx)
			if err != nil {
				obs.LogEvent("warn", "revocation_purge_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				obs.LogEvent("info", "revocations_purged", map[string]any{"count": n})
			}
		}
	}
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	sealKey, err := cfg.SealKey()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer b.close()

	feed := audit.NewFeed()
	trailOpts := []audit.Option{
		audit.WithSealer(audit.NewSealer(sealKey)),
		audit.WithRetry(cfg.AuditRetries, cfg.AuditBackoff),
		audit.WithTimeout(cfg.StorageTimeout),
		audit.WithFeed(feed),
	}
	if cfg.AMQPURI != "" {
		pub, err := audit.NewAMQPPublisher(cfg.AMQPURI, cfg.AMQPExchange, audit.WithDialTimeout(cfg.StorageTimeout))
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		defer pub.Close()
		trailOpts = append(trailOpts, audit.WithMirror(pub))
	}
	trail := audit.NewTrail(b.entries, trailOpts...)

	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL, auth.WithRevocations(b.revocations))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	gate := auth.NewGate(b.accounts, b.lockouts, trail,
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Threshold: cfg.Lockout.Threshold,
			Window:    cfg.Lockout.Window,
			Duration:  cfg.Lockout.Duration,
		}),
		auth.WithStorageTimeout(cfg.StorageTimeout),
	)
	ledger := acl.NewLedger(b.grants, acl.WithTimeout(cfg.StorageTimeout))
	engine := authz.NewEngine(ledger, authz.WithLookupTimeout(cfg.StorageTimeout))
	dir := directory.NewService(b.accounts, engine, directory.WithTimeout(cfg.StorageTimeout))

	api := httpapi.New(httpapi.Deps{
		Gate:              gate,
		Tokens:            tokens,
		Accounts:          b.accounts,
		Directory:         dir,
		Engine:            engine,
		Catalog:           b.catalog,
		Ledger:            ledger,
		Trail:             trail,
		Feed:              feed,
		Probe:             b.probe,
		Version:           version,
		ConsolePrefixes:   cfg.ConsolePrefixes,
		AuditSkipPrefixes: cfg.AuditSkipPrefixes,
		RateBurst:         cfg.RateBurst,
		RatePerSecond:     cfg.RatePerSecond,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no write timeout: the audit stream is long-lived
		IdleTimeout: 60 * time.Second,
	}

	health := httpapi.NewGRPCServer(b.probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Watch(ctx, 10*time.Second)
	go b.purgeLoop(ctx, time.Hour)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.LogEvent("info", "server_started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"env":       cfg.Env,
	})

	<-ctx.Done()
	obs.LogEvent("info", "server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.LogEvent("info", "server_stopped", nil)
}
