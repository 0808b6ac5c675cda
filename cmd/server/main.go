package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/securechat/internal/api"
	"github.com/npezzotti/securechat/internal/config"
	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/encryption"
	"github.com/npezzotti/securechat/internal/ratelimit"
	"github.com/npezzotti/securechat/internal/server"
	"github.com/npezzotti/securechat/internal/stats"
	"github.com/npezzotti/securechat/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/teris-io/shortid"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	memoryDSN         = "memory://"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, config.SplitOrigins(value)...)
	return nil
}

var (
	addr              string
	dsn               string
	signingKey        string
	encryptionKey     string
	redisAddr         string
	rateLimitBurst    int
	rateLimitInterval time.Duration
	allowedOrigins    stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[securechat] ", log.LstdFlags)

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("load .env:", err)
	}

	flag.StringVar(&addr, "addr", config.Getenv("SERVER_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", config.Getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string, or memory:// for an in-process store")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&encryptionKey, "encryption-key", os.Getenv("ENCRYPTION_KEY"), "base64 encoded 32 byte message encryption key")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for the shared rate limiter; in-process limiter when empty")
	flag.IntVar(&rateLimitBurst, "rate-limit-burst", config.GetenvInt("RATE_LIMIT_BURST", 5), "messages a user may send per interval")
	flag.DurationVar(&rateLimitInterval, "rate-limit-interval", config.GetenvDuration("RATE_LIMIT_INTERVAL", time.Second), "rate limit interval")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = config.SplitOrigins(os.Getenv("ALLOWED_ORIGINS"))
	}

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:        addr,
		DatabaseDSN:       dsn,
		SigningSecret:     signingKey,
		EncryptionKey:     encryptionKey,
		AllowedOrigins:    allowedOrigins,
		RedisAddr:         redisAddr,
		RateLimitBurst:    rateLimitBurst,
		RateLimitInterval: rateLimitInterval,
	})
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, closeDb, err := openRepository(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := closeDb.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	rooms, err := database.SeedRooms(db, shortid.Generate)
	if err != nil {
		logger.Fatal("seed rooms:", err)
	}
	logger.Printf("%d rooms available\n", len(rooms))

	cipher, err := encryption.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("cipher:", err)
	}
	st := store.New(db, cipher)

	limiter, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, st, limiter, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, st, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRepository connects to Postgres and applies migrations, or returns the
// in-process repository for memory://.
func openRepository(dsn string, logger *log.Logger) (database.GoChatRepository, io.Closer, error) {
	if dsn == memoryDSN {
		logger.Println("using in-memory repository; nothing will survive a restart")
		return database.NewMemoryGoChatRepository(), nopCloser{}, nil
	}

	pg, err := database.NewPgGoChatRepository(dsn)
	if err != nil {
		return nil, nil, err
	}

	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, nil, err
	}

	return pg, pg, nil
}

func newLimiter(cfg *config.Config, logger *log.Logger) (ratelimit.Limiter, io.Closer) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewTokenBucket(cfg.RateLimit.Burst, cfg.RateLimit.Interval), nopCloser{}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping:", err)
	}

	logger.Printf("rate limiting through redis at %s\n", cfg.RedisAddr)
	return ratelimit.NewRedisLimiter(rdb, "securechat:ratelimit:", cfg.RateLimit.Burst, cfg.RateLimit.Interval), rdb
}
