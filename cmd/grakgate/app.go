package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/graklabs/grakgate/internal/apikey"
	"github.com/graklabs/grakgate/internal/audit"
	"github.com/graklabs/grakgate/internal/auth"
	"github.com/graklabs/grakgate/internal/config"
	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/ratelimit"
	rlstore "github.com/graklabs/grakgate/internal/ratelimit/store"
	"github.com/graklabs/grakgate/internal/secrets"
	"github.com/graklabs/grakgate/internal/session"
	"github.com/graklabs/grakgate/internal/token"
	"github.com/graklabs/grakgate/internal/userstore"
)

// metricsNamespace prefixes every Prometheus metric the service exports.
const metricsNamespace = "grakgate"

// application holds all wired components. Managers are constructed once
// here and injected everywhere they are used.
type application struct {
	config        *config.Config
	logger        observability.Logger
	registry      *prometheus.Registry
	tokens        *token.Manager
	keys          *apikey.Manager
	sessions      *session.Manager
	users         userstore.Store
	limits        *ratelimit.Registry
	authenticator *auth.Authenticator
	auditLogger   audit.Logger
	policyWatcher *config.PolicyWatcher
	tracer        *observability.TracerProvider
	redis         *redis.Client
	loginLimiter  *rate.Limiter

	// policies is swapped atomically by the policy watcher callback so
	// in-flight requests always see a complete policy set.
	policies atomic.Pointer[config.PolicySet]
}

// initApplication wires every component from the loaded configuration.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		loginLimiter: rate.NewLimiter(
			rate.Limit(cfg.Server.GlobalRate), cfg.Server.GlobalBurst),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Tracing.Enabled {
		tracer, err := observability.InitTracing(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		app.tracer = tracer
	}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.redis = client
		logger.Info("using redis-backed stores",
			observability.String("addr", cfg.Redis.Addr),
		)
	}

	users, err := initUserStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.users = users

	jwtSecret, masterKey, err := resolveSecrets(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(
		&audit.Config{
			Enabled:      cfg.Audit.Enabled,
			Output:       cfg.Audit.Output,
			RedactFields: cfg.Audit.RedactFields,
		},
		audit.WithLoggerLogger(logger),
		audit.WithLoggerMetrics(audit.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("init audit logger: %w", err)
	}
	app.auditLogger = auditLogger

	tokenOpts := []token.ManagerOption{
		token.WithManagerLogger(logger),
		token.WithManagerMetrics(token.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
		token.WithPrincipalResolver(principalResolver(users)),
	}
	if app.redis != nil {
		tokenOpts = append(tokenOpts,
			token.WithRefreshStore(token.NewRedisRefreshStore(app.redis)),
			token.WithBlacklist(token.NewRedisBlacklist(app.redis)),
		)
	}
	tokens, err := token.NewManager(&token.Config{
		Secret:     jwtSecret,
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	}, tokenOpts...)
	if err != nil {
		return nil, fmt.Errorf("init token manager: %w", err)
	}
	app.tokens = tokens

	var counterStore rlstore.Store
	if app.redis != nil {
		counterStore = rlstore.NewRedisStoreFromClient(app.redis, "")
	} else {
		counterStore = rlstore.NewMemoryStore()
	}
	app.limits = ratelimit.NewRegistry(counterStore,
		ratelimit.WithRegistryLogger(observability.Zap(logger)),
		ratelimit.WithRegistryMetrics(ratelimit.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
	)

	app.keys = apikey.NewManager(&cfg.APIKeys, apikey.NewMemoryStore(),
		apikey.WithManagerLogger(logger),
		apikey.WithManagerMetrics(apikey.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
		apikey.WithRateLimits(app.limits),
	)

	var sessionStore session.Store
	if app.redis != nil {
		sessionStore = session.NewRedisStore(app.redis)
	} else {
		sessionStore = session.NewMemoryStore()
	}
	app.sessions = session.NewManager(&cfg.Sessions, sessionStore,
		session.WithManagerLogger(logger),
		session.WithManagerMetrics(session.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
		session.WithAnomalyHook(func(s *session.Session, reason string) {
			event := audit.NewEvent(audit.EventSuspiciousActivity, audit.OutcomeDenied)
			event.Subject = &audit.Subject{UserID: s.UserID, SessionID: s.ID}
			event.Reason = reason
			auditLogger.Log(context.Background(), event)
		}),
	)

	app.authenticator = auth.NewAuthenticator(
		&auth.Config{MasterKey: masterKey},
		tokens, app.keys,
		auth.WithLogger(logger),
		auth.WithMetrics(auth.NewMetricsWithRegisterer(metricsNamespace, app.registry)),
		auth.WithAuditLogger(auditLogger),
	)

	if cfg.PolicyFile != "" {
		watcher, err := config.NewPolicyWatcher(cfg.PolicyFile,
			func(set *config.PolicySet) {
				app.policies.Store(set)
				logger.Info("rate limit policies updated")
			},
			config.WithWatcherLogger(logger),
			config.WithErrorCallback(func(err error) {
				logger.Error("policy reload failed", observability.Error(err))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("init policy watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("start policy watcher: %w", err)
		}
		app.policies.Store(watcher.GetLastPolicies())
		app.policyWatcher = watcher
	}

	return app, nil
}

// initUserStore seeds the user store and wraps it in the circuit breaker.
func initUserStore(cfg *config.Config, logger observability.Logger) (userstore.Store, error) {
	var inner userstore.Store
	if cfg.UsersFile != "" {
		store, err := userstore.LoadFile(cfg.UsersFile)
		if err != nil {
			return nil, err
		}
		inner = store
	} else {
		logger.Warn("no users file configured, user store starts empty")
		inner = userstore.NewMemoryStore()
	}
	return userstore.NewResilientStore(inner,
		userstore.WithResilientLogger(logger),
	), nil
}

// resolveSecrets reads the signing secret and master key. Vault is
// preferred when configured, the environment is the fallback.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger observability.Logger) (jwtSecret, masterKey string, err error) {
	var chain secrets.Chain
	if cfg.Vault != nil && cfg.Vault.Address != "" {
		vault, err := secrets.NewVaultProvider(cfg.Vault, logger)
		if err != nil {
			return "", "", fmt.Errorf("init vault provider: %w", err)
		}
		chain = append(chain, vault)
	}
	chain = append(chain, secrets.NewEnvProvider(""))

	jwtSecret, err = chain.GetSecret(ctx, secrets.NameJWTSecret)
	if err != nil {
		return "", "", fmt.Errorf("resolve jwt secret: %w", err)
	}

	masterKey, err = chain.GetSecret(ctx, secrets.NameMasterKey)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		logger.Info("master key not configured, master authentication disabled")
		return jwtSecret, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve master key: %w", err)
	}
	return jwtSecret, masterKey, nil
}

// principalResolver adapts the user store to the token manager. Inactive
// users resolve to not-found so their refresh rotation fails closed.
func principalResolver(users userstore.Store) token.PrincipalResolver {
	return func(ctx context.Context, userID string) (*token.Principal, error) {
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return nil, userstore.ErrUserNotFound
		}
		return &token.Principal{
			UserID:      user.ID,
			Username:    user.Username,
			Email:       user.Email,
			Roles:       user.Roles,
			Permissions: user.Permissions,
			TenantID:    user.TenantID,
			WorkspaceID: user.WorkspaceID,
		}, nil
	}
}

// identityPolicy returns the per-identity throttle policy, hot-reloaded
// from the policy file when one is configured.
func (app *application) identityPolicy() *ratelimit.Config {
	if set := app.policies.Load(); set != nil {
		return set.Lookup("identity")
	}
	return &app.config.RateLimit
}

// runSweeper runs periodic maintenance until the context is cancelled.
func (app *application) runSweeper(ctx context.Context) {
	interval := app.config.Sweep.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := app.tokens.Sweep(ctx)
			swept += app.keys.Sweep(ctx)
			cleaned, err := app.sessions.Cleanup(ctx)
			if err != nil {
				app.logger.Warn("session cleanup failed", observability.Error(err))
			}
			app.limits.Sweep()
			app.logger.Debug("maintenance sweep finished",
				observability.Int("tokens_and_keys", swept),
				observability.Int("sessions", cleaned),
			)
		}
	}
}

// newGRPCServer builds the gRPC server with the auth interceptors and a
// health service.
func (app *application) newGRPCServer() *grpc.Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(app.authenticator)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(app.authenticator)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}

// serveGRPC blocks serving gRPC until the listener closes.
func (app *application) serveGRPC(server *grpc.Server) error {
	lis, err := net.Listen("tcp", app.config.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	app.logger.Info("grpc server listening",
		observability.String("addr", app.config.Server.GRPCAddr),
	)
	return server.Serve(lis)
}

// shutdown tears everything down in reverse dependency order. Sweeps and
// audit output are flushed before stores close.
func (app *application) shutdown(ctx context.Context, httpServer *http.Server, grpcServer *grpc.Server) {
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			app.logger.Warn("http shutdown", observability.Error(err))
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if app.policyWatcher != nil {
		if err := app.policyWatcher.Stop(); err != nil {
			app.logger.Warn("policy watcher stop", observability.Error(err))
		}
	}
	if err := app.tokens.Close(); err != nil {
		app.logger.Warn("token manager close", observability.Error(err))
	}
	if err := app.sessions.Close(); err != nil {
		app.logger.Warn("session manager close", observability.Error(err))
	}
	if err := app.limits.Close(); err != nil {
		app.logger.Warn("rate limit registry close", observability.Error(err))
	}
	if err := app.auditLogger.Close(); err != nil {
		app.logger.Warn("audit logger close", observability.Error(err))
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis close", observability.Error(err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Warn("tracer shutdown", observability.Error(err))
		}
	}
}
