package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medtech/clinic/internal/config"
	"github.com/medtech/clinic/internal/domain/appointment"
	"github.com/medtech/clinic/internal/domain/availability"
	"github.com/medtech/clinic/internal/domain/identity"
	"github.com/medtech/clinic/internal/domain/medicalrecord"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/db"
	"github.com/medtech/clinic/internal/platform/httpjson"
	"github.com/medtech/clinic/internal/platform/lock"
	"github.com/medtech/clinic/internal/platform/middleware"
	"github.com/medtech/clinic/internal/platform/notification"
	"github.com/medtech/clinic/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mailerCmd())
	rootCmd.AddCommand(seedAdminCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFS(dir), cfg.DBSchema)
			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 = all)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func mailerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mailer",
		Short: "Deliver queued emails from AMQP over SMTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if cfg.AMQPURL == "" {
				return errors.New("AMQP_URL is required for the mailer")
			}

			conn, err := amqp.Dial(cfg.AMQPURL)
			if err != nil {
				return fmt.Errorf("connect amqp: %w", err)
			}
			defer conn.Close()
			ch, err := notification.DeclareQueue(conn, cfg.MailQueue)
			if err != nil {
				return err
			}
			defer ch.Close()
			if err := ch.Qos(10, 0, false); err != nil {
				return fmt.Errorf("set qos: %w", err)
			}
			deliveries, err := ch.Consume(cfg.MailQueue, "clinic-mailer", false, false, false, false, nil)
			if err != nil {
				return fmt.Errorf("consume %s: %w", cfg.MailQueue, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("queue", cfg.MailQueue).Msg("mailer started")
			err = notification.NewMailWorker(emailSender(cfg, logger), logger).Run(ctx, deliveries)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logger.Info().Msg("mailer stopped")
			return err
		},
	}
}

func seedAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the administrator account if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := identity.NewService(identity.NewUserRepoPG(pool), identity.NewVerificationRepoPG(pool),
				db.NewTransactor(pool), identity.Options{Logger: logger})
			u, created, err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Created administrator %s\n", u.Email)
			} else {
				fmt.Printf("Administrator %s already exists\n", u.Email)
			}
			return nil
		},
	}
}

func migrationFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newLocker picks the booking lock. Advisory locks need the transaction
// that WithinTx stores in the context.
func newLocker(cfg *config.Config, client redis.Cmdable) lock.Locker {
	if cfg.LockBackend == config.LockRedis && client != nil {
		return lock.NewRedisLocker(client)
	}
	return lock.NewPGAdvisoryLocker()
}

func newRevocationStore(client redis.Cmdable) (auth.RevocationStore, func()) {
	if client != nil {
		return auth.NewRedisRevocationStore(client), func() {}
	}
	store := auth.NewMemoryRevocationStore(time.Minute)
	return store, store.Close
}

func emailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SMTPHost == "" {
		return notification.NewLogSender(logger)
	}
	return notification.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
}

// newDispatcher enqueues mail on AMQP when configured, otherwise delivers it
// in-process on a worker pool.
func newDispatcher(cfg *config.Config, logger zerolog.Logger) (notification.Dispatcher, func(), error) {
	if cfg.AMQPURL == "" {
		d := notification.NewAsyncDispatcher(emailSender(cfg, logger), logger, 4, 256)
		return d, d.Close, nil
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := notification.DeclareQueue(conn, cfg.MailQueue)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	cleanup := func() {
		ch.Close()
		conn.Close()
	}
	return notification.NewQueueDispatcher(ch, cfg.MailQueue, logger), cleanup, nil
}

// newEcho builds the server with the global middleware chain. Routes are
// registered by the caller on the returned /api group.
func newEcho(cfg *config.Config, logger zerolog.Logger, revocations auth.RevocationStore) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = httpjson.Serializer{}
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Total-Count", "Location"},
		AllowCredentials: true,
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.Sanitize(logger))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Secret:      []byte(cfg.JWTSecret),
		Issuer:      cfg.JWTIssuer,
		Revocations: revocations,
		Skipper:     auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api", middleware.RateLimit(rateLimitCfg))
	return e, api
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	tx := db.NewTransactor(pool)

	// Redis backs the booking lock and token revocation when configured.
	rdb, err := newRedisClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis config")
	}
	var redisCmd redis.Cmdable
	if rdb != nil {
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		redisCmd = rdb
	}
	locker := newLocker(cfg, redisCmd)
	revocations, closeRevocations := newRevocationStore(redisCmd)
	defer closeRevocations()

	// Mail
	dispatcher, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up mail delivery")
	}
	defer closeDispatcher()
	notifier := notification.NewNotifier(notification.NewTemplateEngine(), dispatcher, logger)

	// Services
	identitySvc := identity.NewService(identity.NewUserRepoPG(pool), identity.NewVerificationRepoPG(pool), tx, identity.Options{
		Issuer:          auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTTTL),
		Revocations:     revocations,
		Notifier:        notifier,
		VerificationTTL: cfg.VerificationTTL,
		Logger:          logger.With().Str("component", "identity").Logger(),
	})
	availabilitySvc := availability.NewService(availability.NewWindowRepoPG(pool), availability.NewFixedScheduleRepoPG(pool), tx, locker)
	appointmentSvc := appointment.NewService(appointment.NewRepoPG(pool), availabilitySvc, tx, locker, appointment.Options{
		Location:   cfg.Location(),
		SlotLength: cfg.SlotLength(),
		Policy:     appointment.ConflictPolicy(cfg.ConflictMode),
		Notifier:   notifier,
		Directory:  identitySvc,
		Logger:     logger.With().Str("component", "appointment").Logger(),
	})
	recordSvc := medicalrecord.NewService(medicalrecord.NewRecordRepoPG(pool), medicalrecord.NewEntryRepoPG(pool),
		medicalrecord.NewDiagnosisRepoPG(pool), medicalrecord.NewTreatmentRepoPG(pool), medicalrecord.Options{
			Logger: logger.With().Str("component", "medicalrecord").Logger(),
		})

	if cfg.AdminPassword != "" {
		if _, created, err := identitySvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error().Err(err).Msg("failed to seed administrator")
		} else if created {
			logger.Info().Str("email", cfg.AdminEmail).Msg("administrator seeded")
		}
	}

	// HTTP
	e, api := newEcho(cfg, logger, revocations)
	var checks []db.Check
	if rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	identity.NewHandler(identitySvc).RegisterRoutes(api)
	availability.NewHandler(availabilitySvc, appointmentSvc).RegisterRoutes(api)
	appointment.NewHandler(appointmentSvc).RegisterRoutes(api)
	medicalrecord.NewHandler(recordSvc).RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("conflict_mode", cfg.ConflictMode).Str("lock", cfg.LockBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
