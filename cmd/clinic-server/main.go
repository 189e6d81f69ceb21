package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/payment"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/mpesa"
	"github.com/clinic/clinic/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic payments API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(paymentsCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// migrationSource returns the embedded migrations unless dir points at a
// directory on disk.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openDB loads configuration and connects to Postgres for one-shot commands.
func openDB(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// targetSchemas resolves --schema/--all to the schemas a migrate command
// works on. Without either flag the default tenant's schema is used.
func targetSchemas(ctx context.Context, cmd *cobra.Command, cfg *config.Config, pool *pgxpool.Pool) ([]string, error) {
	if all, _ := cmd.Flags().GetBool("all"); all {
		return db.TenantSchemas(ctx, pool)
	}
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		return []string{schema}, nil
	}
	return []string{db.SchemaName(cfg.DefaultTenant)}, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("schema", "", "Target schema (defaults to the DEFAULT_TENANT schema)")
	cmd.PersistentFlags().Bool("all", false, "Target every tenant schema")
	cmd.PersistentFlags().String("dir", "", "Migrations directory (defaults to the embedded set)")

	run := func(each func(ctx context.Context, m *db.Migrator, schema string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, cmd, cfg, pool)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			migrator := db.NewMigrator(pool, migrationSource(dir))
			for _, schema := range schemas {
				if err := each(ctx, migrator, schema); err != nil {
					return fmt.Errorf("%s: %w", schema, err)
				}
			}
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: run(func(ctx context.Context, m *db.Migrator, schema string) error {
			count, err := m.Up(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Printf("%s: applied %d migration(s)\n", schema, count)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: run(func(ctx context.Context, m *db.Migrator, schema string) error {
			statuses, err := m.Status(ctx, schema)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "SCHEMA\tVERSION\tNAME\tSTATUS\tAPPLIED AT\n")
			for _, st := range statuses {
				state, at := "pending", ""
				if st.Applied {
					state = "applied"
					if st.AppliedAt != nil {
						at = st.AppliedAt.Format(time.DateTime)
					}
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", schema, st.Version, st.Name, state, at)
			}
			return w.Flush()
		}),
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if !db.ValidTenantID(name) {
				return fmt.Errorf("--name must be 1-56 letters, digits or underscores, got %q", name)
			}

			ctx := cmd.Context()
			_, pool, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, name, migrationSource(dir)); err != nil {
				return err
			}
			fmt.Printf("tenant %s ready in schema %s\n", name, db.SchemaName(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier")
	createCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")

	cmd.AddCommand(createCmd)
	return cmd
}

// paymentsCmd exposes the status query for operators recovering rows that
// stayed PENDING because the callback never arrived.
func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Inspect and reconcile M-Pesa transactions",
	}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query the gateway for a push and optionally apply the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkoutID, _ := cmd.Flags().GetString("checkout-id")
			tenant, _ := cmd.Flags().GetString("tenant")
			reconcile, _ := cmd.Flags().GetBool("reconcile")
			if checkoutID == "" {
				return fmt.Errorf("--checkout-id is required")
			}

			ctx := cmd.Context()
			cfg, pool, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := cfg.MpesaConfig().Validate(); err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx, release, err := db.BindTenant(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := newPaymentService(cfg, pool, newLogger())

			var out interface{}
			if reconcile {
				txn, err := svc.ReconcileFromQuery(ctx, checkoutID)
				if err != nil && !errors.Is(err, payment.ErrInvalidTransition) {
					return err
				}
				out = txn
			} else {
				resp, err := svc.QueryStatus(ctx, checkoutID)
				var ge *mpesa.GatewayError
				if errors.As(err, &ge) && ge.IsPending() {
					fmt.Printf("%s is still being processed by the gateway: %s\n", checkoutID, ge.Message)
					return nil
				}
				if err != nil {
					return err
				}
				out = resp
				if len(resp.Raw) > 0 {
					out = resp.Raw
				}
			}

			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
	queryCmd.Flags().String("checkout-id", "", "CheckoutRequestID returned by the push")
	queryCmd.Flags().String("tenant", "", "Tenant that owns the transaction (defaults to DEFAULT_TENANT)")
	queryCmd.Flags().Bool("reconcile", false, "Write a terminal result back to the transaction")

	cmd.AddCommand(queryCmd)
	return cmd
}

func newPaymentService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *payment.Service {
	mcfg := cfg.MpesaConfig()
	client := mpesa.NewClient(mcfg)
	repo := payment.NewTransactionRepoPG(pool)
	return payment.NewService(repo, client, mcfg.CallbackURL, logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("AUTH_MODE=development: every request without a bearer token is treated as admin. Do not use in production.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := newServer(cfg, pool, logger)

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("mpesa_env", cfg.MpesaConfig().Environment).Msg("starting server")
		if cfg.TLSEnabled {
			errc <- e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errc <- e.Start(addr)
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the middleware chain and routes. Order matters: recovery
// wraps everything, auth runs before tenant resolution, and the rate limit
// and timeout only apply to the API group.
func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTP(registry)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.TenantSkipper))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, cfg.DefaultTenant))
	e.GET("/metrics", metrics.Handler(registry))

	apiV1 := e.Group("/api/v1")
	limits := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		limits.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		limits.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(limits))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	paymentSvc := newPaymentService(cfg, pool, logger)
	paymentSvc.SetRecorder(metrics.NewPayments(registry))
	paymentHandler := payment.NewHandler(paymentSvc, logger)
	paymentHandler.BindCallbackTenant(pool, cfg.DefaultTenant)
	paymentHandler.RegisterRoutes(apiV1)

	return e
}
