package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"rulegate/pkg/audit"
	"rulegate/pkg/auth"
	"rulegate/pkg/cors"
	"rulegate/pkg/eventbus"
	"rulegate/pkg/forward"
	"rulegate/pkg/hardening"
	"rulegate/pkg/httpx"
	"rulegate/pkg/identity"
	"rulegate/pkg/metrics"
	"rulegate/pkg/models"
	"rulegate/pkg/policy"
	"rulegate/pkg/ratelimit"
	"rulegate/pkg/session"
	"rulegate/pkg/store"
	"rulegate/pkg/stream"
	"rulegate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                 gatewayDB
	Apps               appStore
	Rules              ruleStore
	Engagements        engagementStore
	Users              identity.Finder
	Policy             *policy.Evaluator
	Forwarder          *forward.Forwarder
	Cache              store.Cache
	Redis              *redis.Client
	Metrics            *metrics.Registry
	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int
	RuleCache          *ruleCache
	Audit              auditTrail
	Events             *stream.Hub
	Bus                *eventbus.Publisher
	AuthMode           string
	AuthSecret         string
	DefaultApp         string
	SessionCookie      string
	PathPrefix         string
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type appStore interface {
	GetBySlug(ctx context.Context, slug string) (*models.App, error)
	Provision(ctx context.Context, slug, entryPoint string, sessionBackend int) (*models.App, error)
	UpdateConfig(ctx context.Context, slug string, upd store.AppUpdate) (*models.App, error)
	RotateKey(ctx context.Context, slug string) (string, error)
	Deactivate(ctx context.Context, slug string) error
}

type ruleStore interface {
	List(ctx context.Context, appID int64) ([]models.Rule, error)
	GetByPath(ctx context.Context, appID int64, path string) (*models.Rule, error)
	Create(ctx context.Context, rule *models.Rule) (*models.Rule, error)
	Update(ctx context.Context, appID int64, path string, upd store.RuleUpdate) (*models.Rule, error)
	Delete(ctx context.Context, appID int64, path string) error
	Reorder(ctx context.Context, appID int64, order []store.RankAssignment) error
}

type engagementStore interface {
	Summary(ctx context.Context) ([]store.TagCount, error)
	Users(ctx context.Context, limit, offset int) ([]store.UserEngagement, int64, error)
}

type auditTrail interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, app, decisionID string) (audit.Record, error)
	Recent(ctx context.Context, app string, limit int) ([]audit.Record, error)
}

// ruleCache keeps each app's ordered rule list hot between database
// reads. Rule mutations through the management API invalidate the
// owning app's entry.
type ruleCache struct {
	mu    sync.RWMutex
	items map[int64]cachedRules
	ttl   time.Duration
}

type cachedRules struct {
	rules     []models.Rule
	expiresAt time.Time
}

func newRuleCache(ttl time.Duration) *ruleCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ruleCache{items: map[int64]cachedRules{}, ttl: ttl}
}

func (c *ruleCache) Get(appID int64) ([]models.Rule, bool) {
	c.mu.RLock()
	item, ok := c.items[appID]
	c.mu.RUnlock()
	if !ok || time.Now().UTC().After(item.expiresAt) {
		return nil, false
	}
	return item.rules, true
}

func (c *ruleCache) Set(appID int64, rules []models.Rule) {
	c.mu.Lock()
	c.items[appID] = cachedRules{rules: rules, expiresAt: time.Now().UTC().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ruleCache) Invalidate(appID int64) {
	c.mu.Lock()
	delete(c.items, appID)
	c.mu.Unlock()
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", ""),
		Strict:             env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecure: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AuthMode:           env("AUTH_MODE", "hs256"),
		AuthSecret:         env("AUTH_JWT_SECRET", ""),
		WSAllowedOrigins:   env("WS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	ruleCacheTTL := envDurationSec("RULE_CACHE_TTL_SEC", 30)
	appCacheTTL := envDurationSec("APP_CACHE_TTL_SEC", 60)

	apps := &store.Apps{DB: pool, Cache: cache, CacheTTL: appCacheTTL}
	rules := &store.Rules{DB: pool}
	engagements := &store.Engagements{DB: pool}

	users := &identity.HTTPStore{
		BaseURL:    env("IDENTITY_URL", "http://localhost:8001"),
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("IDENTITY_TIMEOUT_MS", 3000))}),
		AuthHeader: env("IDENTITY_AUTH_HEADER", ""),
		AuthToken:  env("IDENTITY_AUTH_TOKEN", ""),
		Retries:    envInt("IDENTITY_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("IDENTITY_RETRY_DELAY_MS", 50)),
	}

	sessionCookie := env("SESSION_COOKIE", "sessionid")
	upstreamTimeout := time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000))

	s := &Server{
		DB:          pool,
		Apps:        apps,
		Rules:       rules,
		Engagements: engagements,
		Users:       users,
		Policy: &policy.Evaluator{
			Table:       policy.DefaultTable(),
			Engagements: engagements,
			LoginURL:    env("LOGIN_URL", "/login/"),
		},
		Forwarder:          forward.New(upstreamTimeout, sessionCookie),
		Cache:              cache,
		Redis:              redisClient,
		Metrics:            metrics.NewRegistry(),
		RateLimitEnabled:   env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow: envInt("RATE_LIMIT_PER_WINDOW", 600),
		RuleCache:          newRuleCache(ruleCacheTTL),
		Events:             stream.NewHub(),
		AuthMode:           env("AUTH_MODE", "hs256"),
		AuthSecret:         env("AUTH_JWT_SECRET", ""),
		DefaultApp:         env("DEFAULT_APP", ""),
		SessionCookie:      sessionCookie,
		PathPrefix:         env("PATH_PREFIX", ""),
	}
	if env("AUDIT_ENABLED", "true") == "true" {
		s.Audit = &audit.Writer{
			DB:       pool,
			Redact:   env("AUDIT_REDACT", "") == "true",
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		}
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		bus, err := eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISIONS_TOPIC", "rulegate.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer bus.Close()
		s.Bus = bus
	}

	r := s.routes()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// routes builds the gateway's handler tree: management API and
// metrics under explicit routes, everything else proxied.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Middleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	maxBodyBytes := int64(envInt("MAX_BODY_BYTES", 1<<20))
	authmw := auth.Middleware(s.AuthMode, s.AuthSecret)
	r.Route("/proxy", func(pr chi.Router) {
		pr.Use(httpx.SecurityHeadersMiddleware)
		pr.Use(limitRequestBodyMiddleware(maxBodyBytes))
		pr.Use(authmw)
		pr.Get("/", s.withRoles(s.getApp, "broker", "manager"))
		pr.Put("/", s.withRoles(s.updateApp, "broker", "manager"))
		pr.Delete("/", s.withRoles(s.deactivateApp, "broker"))
		pr.Post("/apps", s.withRoles(s.provisionApp, "broker"))
		pr.Post("/key", s.withRoles(s.rotateKey, "broker", "manager"))
		pr.Get("/rules", s.withRoles(s.listRules, "broker", "manager"))
		pr.Post("/rules", s.withRoles(s.createRule, "broker", "manager"))
		pr.Patch("/rules", s.withRoles(s.reorderRules, "broker", "manager"))
		pr.Get("/rules/*", s.withRoles(s.getRule, "broker", "manager"))
		pr.Put("/rules/*", s.withRoles(s.updateRule, "broker", "manager"))
		pr.Delete("/rules/*", s.withRoles(s.deleteRule, "broker", "manager"))
		pr.Get("/sessions/{user}", s.withRoles(s.getSession, "broker", "manager"))
		pr.Get("/engagement", s.withRoles(s.engagementSummary, "broker", "manager"))
		pr.Get("/engagement/users", s.withRoles(s.engagementUsers, "broker", "manager"))
		pr.Get("/audit", s.withRoles(s.listAudit, "broker", "manager"))
		pr.Get("/audit/{id}", s.withRoles(s.getAuditRecord, "broker", "manager"))
		pr.Get("/events", s.withRoles(s.streamEvents, "broker", "manager"))
	})
	r.With(authmw).Get("/metrics", s.Metrics.Handler())
	r.With(authmw).Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.NotFound(s.proxyRequest)
	return r
}

// appFromRequest resolves the tenant App for a request: the first Host
// label when it names a registered app, the DEFAULT_APP otherwise.
func (s *Server) appFromRequest(r *http.Request) (*models.App, error) {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if label, _, found := strings.Cut(host, "."); found && label != "" && label != "www" {
		if app, err := s.Apps.GetBySlug(r.Context(), label); err == nil {
			return app, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if s.DefaultApp == "" {
		return nil, fmt.Errorf("host %q: %w", r.Host, store.ErrNotFound)
	}
	return s.Apps.GetBySlug(r.Context(), s.DefaultApp)
}

// rulesFor returns the app's ordered rules, through the cache.
func (s *Server) rulesFor(ctx context.Context, app *models.App) ([]models.Rule, error) {
	if rules, ok := s.RuleCache.Get(app.ID); ok {
		return rules, nil
	}
	rules, err := s.Rules.List(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	s.RuleCache.Set(app.ID, rules)
	return rules, nil
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(user, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routeLabel(r)
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

// routeLabel keeps metric cardinality bounded: management routes get
// their chi pattern, proxied traffic collapses to a single label.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if strings.HasPrefix(r.URL.Path, "/proxy/") || r.URL.Path == "/healthz" ||
		strings.HasPrefix(r.URL.Path, "/metrics") {
		return r.URL.Path
	}
	return "/*"
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := envDurationSec("METRICS_LOOP_INTERVAL_SEC", 60)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var active int64
			if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM apps WHERE is_active`).Scan(&active); err != nil {
				log.Printf("metrics loop: %v", err)
				continue
			}
			s.Metrics.SetGauge("apps_active", float64(active))
		}
	}
}

func limitRequestBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionCodec returns the codec for the app, nil when the app runs
// without sessions.
func sessionCodec(app *models.App) session.Codec {
	return session.ForBackend(app.SessionBackend)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
