package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/resqlink/resqlink/internal/api"
	"github.com/resqlink/resqlink/internal/config"
	"github.com/resqlink/resqlink/internal/node"
	"github.com/resqlink/resqlink/internal/scheduler"
	"github.com/resqlink/resqlink/internal/store"
	"github.com/resqlink/resqlink/internal/transport"
)

var version = "0.1.0"

func main() {
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "resqlink",
		Short: "ResQlinK — offline-first emergency message propagation",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(nodeCmd(&configPath))
	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func nodeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a device node: store-and-forward propagation core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			st, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			transports := buildTransports(cfg.Transports, log)
			if len(transports) == 0 {
				return fmt.Errorf("no transports enabled")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			n, err := node.New(ctx, node.Config{
				UserID:       cfg.Node.UserID,
				PullInterval: cfg.Node.PullInterval,
				PullRadiusKm: cfg.Node.PullRadiusKm,
				ChatTTL:      cfg.Retention.ChatTTL,
				MaxStored:    cfg.Retention.MaxStored,
				Scheduler: scheduler.Config{
					MaxInFlight: cfg.Delivery.MaxInFlight,
					SendTimeout: cfg.Delivery.SendTimeout,
					BackoffBase: cfg.Delivery.BackoffBase,
					BackoffMax:  cfg.Delivery.BackoffMax,
					MaxAttempts: cfg.Delivery.MaxAttempts,
				},
			}, st, transports, log)
			if err != nil {
				return fmt.Errorf("failed to build node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			log.Info().
				Str("version", version).
				Str("user_id", n.UserID()).
				Int("transports", len(transports)).
				Str("storage", cfg.Storage.Driver).
				Msg("ResQlinK node is running")

			waitForSignal()
			log.Info().Msg("shutting down...")
			n.Stop()
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ResQlinK backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is required")
			}

			st, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			server := api.NewServer(cfg.Server, st, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Msg("ResQlinK backend is running")

			waitForSignal()
			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run storage migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			st, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user_id>",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: resqlink token <user_id>")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is required")
			}

			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := api.IssueToken([]byte(cfg.Server.JWTSecret), args[0], admin, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Bool("admin", false, "grant the admin claim")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ResQlinK v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return store.NewSQLite(cfg.SQLite.Path)
	case "memory":
		log.Info().Msg("using in-memory storage")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func buildTransports(cfg config.TransportsConfig, log zerolog.Logger) []transport.Transport {
	var out []transport.Transport

	// Each simulated radio gets its own hub; real radio drivers would
	// slot in behind the same interface.
	if cfg.Broadcast.Enabled {
		out = append(out, transport.NewSim(transport.SimConfig{
			TransportID: transport.IDBroadcast,
			Latency:     cfg.Broadcast.Latency,
			DropRate:    cfg.Broadcast.DropRate,
			Seed:        cfg.Broadcast.Seed,
		}, transport.NewHub(), log))
	}
	if cfg.Mesh.Enabled {
		out = append(out, transport.NewSim(transport.SimConfig{
			TransportID: transport.IDMesh,
			Latency:     cfg.Mesh.Latency,
			DropRate:    cfg.Mesh.DropRate,
			Seed:        cfg.Mesh.Seed,
		}, transport.NewHub(), log))
	}
	if cfg.Backend.Enabled {
		out = append(out, transport.NewBackend(transport.BackendConfig{
			BaseURL:      cfg.Backend.URL,
			Token:        cfg.Backend.Token,
			SendTimeout:  cfg.Backend.SendTimeout,
			ProbeTimeout: cfg.Backend.ProbeTimeout,
			ProbeTTL:     cfg.Backend.ProbeTTL,
		}, log))
	}
	return out
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
