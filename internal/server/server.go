// Package server is the composition root: it builds every collaborator
// from a config.Config, mounts the routes and runs the HTTP server.
//
// ROUTES AND THEIR GUARDS:
//
//	POST /signup                   session → csrf → ratelimit
//	POST /login                    session → csrf → ratelimit
//	POST /refresh                  session → csrf
//	POST /logout                   session → csrf → authenticate
//	GET  /verify-email/{token}     session → csrf
//	POST /resend-verification      session → csrf → ratelimit
//	POST /reset-password           session → csrf → ratelimit
//	GET  /verify-reset-token/{t}   session → csrf
//	POST /reset-password/{token}   session → csrf
//	GET  /csrf-token               session → csrf
//	GET  /me                       session → csrf → authenticate
//	GET  /admin/users/{id}         session → csrf → authenticate → requireRole:admin
//	GET  /auth/github/login        session → csrf            (only with GitHub configured)
//	GET  /auth/github/callback     session → csrf            (only with GitHub configured)
//	GET  /healthz                  none
//
// CORS, request ids, real-IP, logging and panic recovery are global chi
// middleware and run before any chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/config"
	"github.com/sakif/authcore/internal/csrf"
	"github.com/sakif/authcore/internal/handler"
	"github.com/sakif/authcore/internal/mailer"
	"github.com/sakif/authcore/internal/middleware"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/ratelimit"
	sqliteRepo "github.com/sakif/authcore/internal/repository/sqlite"
	"github.com/sakif/authcore/internal/scheduler"
	"github.com/sakif/authcore/internal/service"
	"github.com/sakif/authcore/internal/session"
)

const (
	purgeInterval = time.Hour
	sweepInterval = 5 * time.Minute
)

// Option customises New. Tests use them to swap external collaborators.
type Option func(*options)

type options struct {
	mailer    mailer.Mailer
	passwords *auth.PasswordService
	now       func() time.Time
}

// WithMailer replaces the mailer chosen from config.
func WithMailer(m mailer.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// WithPasswordService replaces the bcrypt cost-12 password service.
func WithPasswordService(p *auth.PasswordService) Option {
	return func(o *options) { o.passwords = p }
}

// WithClock replaces time.Now in the token issuer.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Server owns the router and every resource that must be released on
// shutdown: the database, the scheduler and the optional Redis client.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	db        *sqliteRepo.DB
	redis     *redis.Client
	scheduler *scheduler.Deferred

	// chains records each route's guard chain, keyed "METHOD /pattern".
	chains map[string]*middleware.Chain
}

// New opens the database, builds the services and mounts every route. The
// caller must Close the server when done, or use Start, which does.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sqliteRepo.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		logger:    logger,
		db:        db,
		scheduler: scheduler.New(logger),
		chains:    make(map[string]*middleware.Chain),
	}

	if err := s.setupRoutes(o); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler is the root http.Handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(o options) error {
	cfg := s.cfg
	logger := s.logger

	// === Collaborators ===
	passwords := o.passwords
	if passwords == nil {
		passwords = auth.NewPasswordService()
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Now:           o.now,
	})
	if err != nil {
		return err
	}

	mail, err := s.buildMailer(o)
	if err != nil {
		return err
	}

	limiter := s.buildLimiter()

	users := s.db.Users(passwords)
	refreshTokens := s.db.RefreshTokens()

	verification := service.NewVerificationService(users, refreshTokens, mail, s.scheduler, service.VerificationConfig{
		VerificationTTL: cfg.VerificationTokenTTL,
		ClearDelay:      cfg.VerificationClearDelay,
		ResetTTL:        cfg.ResetTokenTTL,
		PublicURL:       cfg.PublicURL,
	}, logger)

	authService := service.NewAuthService(service.AuthDeps{
		Users:            users,
		RefreshTokens:    refreshTokens,
		Issuer:           issuer,
		Passwords:        passwords,
		Verification:     verification,
		Logger:           logger,
		AllowAdminSignup: cfg.AllowAdminSignup,
	})

	var github *auth.GitHubProvider
	if cfg.GitHubEnabled() {
		callback := cfg.GitHubCallbackURL
		if callback == "" {
			callback = cfg.PublicURL + "/auth/github/callback"
		}
		github = auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, callback)
	}

	sessions := session.NewManager(cfg.Production())
	csrfGuard := csrf.New(sessions, cfg.CSRFExemptPaths)
	authenticator := auth.NewAuthenticator(issuer, users, logger)

	authHandler := handler.NewAuthHandler(authService, sessions, issuer, github, logger)
	verifyHandler := handler.NewVerificationHandler(verification, logger)

	// === Background jobs ===
	s.scheduler.Every("purge-expired-refresh-tokens", purgeInterval, func(ctx context.Context) {
		n, err := refreshTokens.PurgeExpiredRefreshTokens(ctx, time.Now())
		if err != nil {
			logger.Error("purging expired refresh tokens", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			logger.Info("purged expired refresh tokens", slog.Int64("count", n))
		}
	})
	if mem, ok := limiter.(*ratelimit.Memory); ok {
		s.scheduler.Every("sweep-rate-limiter", sweepInterval, func(context.Context) {
			mem.Sweep()
		})
	}

	// === Global middleware ===
	s.router.Use(chimiddleware.RequestID)
	if cfg.TrustProxy {
		s.router.Use(chimiddleware.RealIP)
	}
	s.router.Use(middleware.Logger(logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrf.HeaderName, csrf.AltHeaderName},
		ExposedHeaders:   []string{csrf.HeaderName},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// === Guard chains ===
	base := middleware.NewChain(logger, sessions.Guard(), csrfGuard.Guard())
	limited := func(name string) *middleware.Chain {
		return base.With(ratelimit.Guard(name, limiter, logger))
	}
	authed := base.With(authenticator.Guard())
	admin := authed.With(auth.RequireRole(model.RoleAdmin))

	// === Routes ===
	s.mount(http.MethodPost, "/signup", limited("signup"), authHandler.HandleSignup)
	s.mount(http.MethodPost, "/login", limited("login"), authHandler.HandleLogin)
	s.mount(http.MethodPost, "/refresh", base, authHandler.HandleRefresh)
	s.mount(http.MethodPost, "/logout", authed, authHandler.HandleLogout)

	s.mount(http.MethodGet, "/verify-email/{token}", base, verifyHandler.HandleVerifyEmail)
	s.mount(http.MethodPost, "/resend-verification", limited("resend-verification"), verifyHandler.HandleResendVerification)
	s.mount(http.MethodPost, "/reset-password", limited("reset-password"), verifyHandler.HandleRequestReset)
	s.mount(http.MethodGet, "/verify-reset-token/{token}", base, verifyHandler.HandleVerifyResetToken)
	s.mount(http.MethodPost, "/reset-password/{token}", base, verifyHandler.HandleResetPassword)

	s.mount(http.MethodGet, "/csrf-token", base, handler.HandleCSRFToken(logger))
	s.mount(http.MethodGet, "/me", authed, authHandler.HandleMe)
	s.mount(http.MethodGet, "/admin/users/{id}", admin, authHandler.HandleGetUser)

	if github != nil {
		s.mount(http.MethodGet, "/auth/github/login", base, authHandler.HandleGitHubLogin)
		s.mount(http.MethodGet, "/auth/github/callback", base, authHandler.HandleGitHubCallback)
	}

	pingers := map[string]handler.Pinger{"database": s.db}
	if s.redis != nil {
		pingers["redis"] = limiter.(*ratelimit.Redis)
	}
	s.router.Get("/healthz", handler.HandleHealth(logger, pingers))

	return nil
}

func (s *Server) mount(method, pattern string, chain *middleware.Chain, h http.HandlerFunc) {
	s.chains[method+" "+pattern] = chain
	s.router.Method(method, pattern, chain.ThenFunc(h))
}

func (s *Server) buildMailer(o options) (mailer.Mailer, error) {
	if o.mailer != nil {
		return o.mailer, nil
	}
	if s.cfg.SMTPAddr == "" {
		s.logger.Warn("SMTP_ADDR not set, emails will only be logged")
		return mailer.NewLogMailer(s.logger), nil
	}
	m, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Addr:            s.cfg.SMTPAddr,
		From:            s.cfg.SMTPFrom,
		Username:        s.cfg.SMTPUsername,
		Password:        s.cfg.SMTPPassword,
		VerificationTTL: s.cfg.VerificationTokenTTL,
		ResetTTL:        s.cfg.ResetTokenTTL,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// buildLimiter prefers Redis so several instances share one budget. An
// unreachable Redis at startup is logged but still used: the guard fails
// open per request and picks Redis up again once it is back.
func (s *Server) buildLimiter() ratelimit.Limiter {
	if s.cfg.RedisAddr == "" {
		return ratelimit.NewMemory(s.cfg.RateLimitPerMinute)
	}

	s.redis = redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
	limiter := ratelimit.NewRedis(s.redis, s.cfg.RateLimitPerMinute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := limiter.Ping(ctx); err != nil {
		s.logger.Warn("redis unreachable, rate limiting will fail open until it recovers",
			slog.String("addr", s.cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
	}
	return limiter
}

// Close stops background work and releases the database and Redis. It is
// safe to call more than once.
func (s *Server) Close() error {
	s.scheduler.Stop()

	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests for
// up to 30 seconds and closes everything.
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("shutdown cleanup failed", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Port),
			slog.String("env", s.cfg.AppEnv),
			slog.String("database", s.cfg.DBPath),
			slog.Bool("github", s.cfg.GitHubEnabled()),
			slog.Bool("redis", s.redis != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
