// Package main is the CLI entrypoint for Catbird. It provides subcommands
// for running the delivery service (serve), managing database migrations
// (migrate), generating a federation signing key (genkey), and printing
// version information (version). The serve command loads configuration,
// connects to PostgreSQL, NATS, and Redis, runs pending migrations, starts
// the HTTP/WebSocket server and the federation workers, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/catbird-chat/ds/internal/actor"
	"github.com/catbird-chat/ds/internal/blob"
	"github.com/catbird-chat/ds/internal/clientauth"
	"github.com/catbird-chat/ds/internal/config"
	"github.com/catbird-chat/ds/internal/database"
	"github.com/catbird-chat/ds/internal/dsapi"
	"github.com/catbird-chat/ds/internal/fanout"
	"github.com/catbird-chat/ds/internal/federation"
	"github.com/catbird-chat/ds/internal/gateway"
	"github.com/catbird-chat/ds/internal/identity"
	"github.com/catbird-chat/ds/internal/idempotency"
	"github.com/catbird-chat/ds/internal/keypackage"
	"github.com/catbird-chat/ds/internal/models"
	"github.com/catbird-chat/ds/internal/push"
	"github.com/catbird-chat/ds/internal/ratelimit"
	"github.com/catbird-chat/ds/internal/resolver"
	"github.com/catbird-chat/ds/internal/sequencer"
	"github.com/catbird-chat/ds/internal/serviceauth"
	"github.com/catbird-chat/ds/internal/welcome"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "genkey":
		if err := runGenKey(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("catbirdd - federated MLS delivery service")
	fmt.Println()
	fmt.Println("Usage: catbirdd <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the delivery service")
	fmt.Println("  migrate   Run database migrations (up|down|status)")
	fmt.Println("  genkey    Generate an ES256 federation signing key (PEM to stdout)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  catbird.toml (or set CATBIRD_CONFIG_PATH)")
	fmt.Println("  Env prefix:   CATBIRD_ (e.g. CATBIRD_DATABASE_URL)")
	fmt.Println("  Also read:    SERVICE_DID, TICKET_SECRET, FEDERATION_ADMIN_DIDS, DATABASE_URL")
}

// runServe starts the full delivery service: configuration, PostgreSQL,
// NATS, Redis, migrations, the HTTP/WebSocket server, the outbound
// federation worker pool, the peer-counter flusher, and the retention
// compactor, with graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting catbirdd",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	selfDID := models.DID(cfg.Instance.ServiceDID).Canonical()

	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("catbirdd"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging cache: %w", err)
	}

	// Federation signing key. ES256 in production; a deployment with
	// only the dev HMAC secret runs unsigned receipts and acks.
	var signingKey *ecdsa.PrivateKey
	if cfg.ServiceAuth.SigningKeyPath != "" {
		signingKey, err = loadSigningKey(cfg.ServiceAuth.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("loading signing key: %w", err)
		}
		logger.Info("federation signing key loaded", slog.String("path", cfg.ServiceAuth.SigningKeyPath))
	} else if cfg.ServiceAuth.DevHMACSecret == "" {
		return fmt.Errorf("service_auth: either signing_key_path or dev_hmac_secret must be set")
	} else {
		logger.Warn("no signing key configured; service auth runs in HMAC dev mode, receipts and acks are unsigned")
	}

	connectTimeout, err := cfg.Federation.ConnectTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing federation connect timeout: %w", err)
	}
	tokenTTL, err := cfg.ServiceAuth.TokenTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing service auth token TTL: %w", err)
	}
	clockSkew, err := cfg.ServiceAuth.ClockSkewParsed()
	if err != nil {
		return fmt.Errorf("parsing service auth clock skew: %w", err)
	}
	ticketTTL, err := cfg.ServiceAuth.TicketTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing ticket TTL: %w", err)
	}
	clientTokenTTL, err := cfg.ServiceAuth.ClientTokenTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing client token TTL: %w", err)
	}
	heartbeatInterval, err := cfg.WebSocket.HeartbeatIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	messageRetention, err := cfg.Retention.MessageRetentionParsed()
	if err != nil {
		return fmt.Errorf("parsing message retention: %w", err)
	}
	ephemeralRetention, err := cfg.Retention.EphemeralRetentionParsed()
	if err != nil {
		return fmt.Errorf("parsing ephemeral retention: %w", err)
	}

	if cfg.ServiceAuth.TicketSecret == "" {
		return fmt.Errorf("service_auth: ticket_secret (TICKET_SECRET) is required")
	}
	clientTokenSecret := cfg.ServiceAuth.ClientTokenSecret
	if clientTokenSecret == "" {
		clientTokenSecret = cfg.ServiceAuth.TicketSecret
	}

	// Identity plane.
	didResolver := identity.NewCachingResolver(resolver.NewWellKnown(connectTimeout, 10*time.Minute))
	peerPolicy := identity.NewPeerPolicy(db.Pool, logger)
	stopFlusher := peerPolicy.StartCounterFlusher(ctx, 15*time.Second)
	defer stopFlusher()

	var devSecret []byte
	if cfg.ServiceAuth.DevHMACSecret != "" {
		devSecret = []byte(cfg.ServiceAuth.DevHMACSecret)
	}
	svcAuth := serviceauth.New(selfDID, signingKey, devSecret, didResolver, redisClient, tokenTTL, clockSkew)

	// Core services.
	seq := sequencer.New(db.Pool, logger, selfDID, signingKey)
	ledger := keypackage.New(db.Pool, logger)
	welcomes := welcome.NewStore(db.Pool, logger)
	bus := fanout.New(db.Pool, nc, logger)
	limiter := ratelimit.New(redisClient)
	idem := idempotency.New(redisClient)
	pusher := push.NewDispatcher(db.Pool, push.NoopBackend{}, logger)
	blobs := blob.NewMemoryStore()

	queue := federation.NewQueue(db.Pool, svcAuth, didResolver, selfDID, logger)
	registry := actor.NewRegistry(db.Pool, seq, bus, queue, selfDID, logger)
	defer registry.Shutdown()

	fedServer := federation.NewServer(db.Pool, seq, ledger, bus, peerPolicy, queue, didResolver, selfDID, signingKey, logger)

	endpoint := "https://" + cfg.Instance.Domain
	var verifyingKey *ecdsa.PublicKey
	if signingKey != nil {
		verifyingKey = &signingKey.PublicKey
	}
	discovery, err := federation.NewDiscovery(selfDID, cfg.Instance.Domain, endpoint, verifyingKey, logger)
	if err != nil {
		return fmt.Errorf("building discovery document: %w", err)
	}

	tickets := gateway.NewTicketService([]byte(cfg.ServiceAuth.TicketSecret), ticketTTL)
	gw := gateway.NewServer(bus, tickets, heartbeatInterval, logger)
	clientAuth := clientauth.New([]byte(clientTokenSecret), clientTokenTTL)

	api := dsapi.NewServer(dsapi.Deps{
		Pool:       db.Pool,
		Registry:   registry,
		Ledger:     ledger,
		Welcomes:   welcomes,
		Bus:        bus,
		Idem:       idem,
		Limiter:    limiter,
		Tickets:    tickets,
		ClientAuth: clientAuth,
		Pusher:     pusher,
		Blobs:      blobs,
		PeerPolicy: peerPolicy,
		Federation: fedServer,
		Gateway:    gw,
		SvcAuth:    svcAuth,
		Discovery:  discovery,
		SelfDID:    selfDID,
		AdminDIDs:  cfg.Federation.AdminDIDs,
		Logger:     logger,
	})

	// Background workers: outbound federation pool and retention.
	for i := 0; i < cfg.Federation.WorkerPoolSize; i++ {
		go queue.RunWorker(ctx, time.Second)
	}
	logger.Info("outbound federation workers started", slog.Int("pool_size", cfg.Federation.WorkerPoolSize))

	compactor := fanout.NewCompactor(db.Pool, logger, fanout.Retention{
		EphemeralWindow: ephemeralRetention,
		MessageWindow:   messageRetention,
	})
	go compactor.StartDaily(ctx, 24*time.Hour)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTP.Listen), slog.String("service_did", string(selfDID)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	// Stop workers, drain actors, flush peer counters.
	cancelWorkers()
	registry.Shutdown()

	logger.Info("catbirdd stopped")
	return nil
}

// runMigrate runs database migrations: up (default), down, or status.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	direction := "up"
	if len(os.Args) > 2 {
		direction = os.Args[2]
	}

	switch direction {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		version, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("version: %d  dirty: %v\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate direction %q (want up, down, or status)", direction)
	}
}

// runGenKey prints a fresh PEM-encoded ES256 private key suitable for
// service_auth.signing_key_path.
func runGenKey() error {
	key, err := serviceauth.GenerateSigningKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding key: %w", err)
	}
	return pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func runVersion() {
	fmt.Printf("catbirdd %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// loadSigningKey reads a PEM-encoded ECDSA P-256 private key (PKCS#8 or
// SEC 1).
func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not ECDSA", path)
	}
	return ecKey, nil
}

// configPath returns the config file path from CATBIRD_CONFIG_PATH or
// the default "catbird.toml".
func configPath() string {
	if p := os.Getenv("CATBIRD_CONFIG_PATH"); p != "" {
		return p
	}
	return "catbird.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
