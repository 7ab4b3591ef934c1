package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
	authpkg "github.com/supportdeskhq/supportdesk/cmd/api/auth"
	"github.com/supportdeskhq/supportdesk/cmd/api/authz"
	commentspkg "github.com/supportdeskhq/supportdesk/cmd/api/comments"
	eventspkg "github.com/supportdeskhq/supportdesk/cmd/api/events"
	metricspkg "github.com/supportdeskhq/supportdesk/cmd/api/metrics"
	ticketspkg "github.com/supportdeskhq/supportdesk/cmd/api/tickets"
	uploadspkg "github.com/supportdeskhq/supportdesk/cmd/api/uploads"
	userspkg "github.com/supportdeskhq/supportdesk/cmd/api/users"
	wspkg "github.com/supportdeskhq/supportdesk/cmd/api/ws"
	"github.com/supportdeskhq/supportdesk/internal/ratelimit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AuthMode == "local" && cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required in local auth mode")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using the pgx stdlib driver
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}
	_ = sqldb.Close()

	var keyf jwt.Keyfunc
	if cfg.AuthMode == "oidc" {
		if cfg.JWKSURL == "" {
			log.Fatal().Msg("OIDC_JWKS_URL is required in oidc auth mode")
		}
		keyf, err = jwksKeyfunc(ctx, cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
		}
	}

	var store app.ObjectStore
	if cfg.MinIOEndpoint != "" {
		mc, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
		store = mc
	} else {
		path := cfg.FileStorePath
		if path == "" {
			path = "./data/uploads"
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("create filestore path")
		}
		store = &app.FsObjectStore{Base: path}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	a := app.NewApp(cfg, pool, keyf, store, rdb)

	hub := wspkg.NewHub(rdb)
	// Without Redis, events reach the hub directly instead of via pub/sub.
	eventspkg.SetLocalFeed(hub.Broadcast)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	registerRoutes(a, hub)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

func registerRoutes(a *app.App, hub *wspkg.Hub) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", metricspkg.Handler())
	a.R.GET("/uploads/:filename", uploadspkg.Serve(a))

	credLimiter := ratelimit.New(a.Q, a.Cfg.LoginRateLimit, a.Cfg.LoginRateWindow)
	byIP := func(c *gin.Context) string { return c.ClientIP() }

	api := a.R.Group("/api")
	api.POST("/auth/register", credLimiter.Middleware(byIP), authpkg.Register(a))
	api.POST("/auth/login", credLimiter.Middleware(byIP), authpkg.Login(a))

	authed := api.Group("/", authpkg.Middleware(a))
	authed.GET("/auth/profile", authpkg.Profile)

	authed.GET("/tickets", ticketspkg.List(a))
	authed.POST("/tickets", ticketspkg.Create(a))
	authed.GET("/tickets/search", ticketspkg.Search(a))
	authed.GET("/tickets/:id", ticketspkg.Get(a))
	authed.PUT("/tickets/:id", ticketspkg.Update(a))
	authed.POST("/tickets/:id/comments", commentspkg.Add(a))

	authed.GET("/users/agents", userspkg.Agents(a))
	authed.GET("/users", authpkg.RequireRole(authz.RoleAdmin), userspkg.List(a))
	authed.PUT("/users/:id/role", authpkg.RequireRole(authz.RoleAdmin), userspkg.SetRole(a))

	authed.POST("/upload/image", uploadspkg.Image(a))
	authed.POST("/upload/images", uploadspkg.Images(a))

	a.R.GET("/ws", authpkg.Middleware(a), wspkg.Serve(hub))
}

// jwksKeyfunc fetches the JWKS once and refreshes it in the background.
func jwksKeyfunc(ctx context.Context, url string) (jwt.Keyfunc, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, url, jwk.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), url, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			pair := it.Pair()
			if key, ok := pair.Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}, nil
}
