// Package main is the operator CLI: schema migrations, offline feed imports,
// ledger lookups, topic administration and frequency vocabulary checks.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/app"
	"github.com/drfirst/go-shrsync/internal/config"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/observability/logging"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "shrsyncctl",
		Short:        "Operate the SHR encounter sync bridge",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(frequencyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	migrator := func(cmd *cobra.Command) (*postgres.Migrator, func(), error) {
		cfg, logger, err := setup()
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		var files fs.FS
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			files = os.DirFS(dir)
		}
		return postgres.NewMigrator(pool, files, logger), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeDB, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeDB, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
			for _, s := range statuses {
				applied := "pending"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Apply feed messages stored as JSON files, in argument order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			svc, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				res, err := svc.Processor.Process(cmd.Context(), data)
				if err != nil {
					failed++
					logger.Error("import failed", zap.String("file", path), zap.Error(err))
				}
				if res != nil {
					if err := printJSON(map[string]any{"file": path, "results": res.Results}); err != nil {
						return err
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
			}
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload HEALTH_ID ENCOUNTER_UUID",
		Short: "Queue a local encounter for upload to the exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			svc, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			patient, err := svc.EMR.GetPatientByHealthID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if patient == nil {
				return fmt.Errorf("patient %s not found", args[0])
			}
			res, err := svc.Uploader.Upload(cmd.Context(), patient, args[1])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the id mapping ledger",
	}

	withStore := func(cmd *cobra.Command, fn func(*ledger.PostgresStore) error) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		return fn(ledger.NewPostgresStore(pool, logger))
	}

	getCmd := &cobra.Command{
		Use:   "get ENTITY_TYPE ID",
		Short: "Find a mapping by external id, or by internal id with --internal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := ledger.EntityType(args[0])
			if !t.Valid() {
				return fmt.Errorf("unknown entity type %q", args[0])
			}
			internal, _ := cmd.Flags().GetBool("internal")
			return withStore(cmd, func(s *ledger.PostgresStore) error {
				find := s.FindByExternalID
				if internal {
					find = s.FindByInternalID
				}
				m, err := find(cmd.Context(), args[1], t)
				if err != nil {
					return err
				}
				if m == nil {
					return fmt.Errorf("no %s mapping for %s", t, args[1])
				}
				return printJSON(m)
			})
		},
	}
	getCmd.Flags().Bool("internal", false, "Treat ID as the local uuid")
	cmd.AddCommand(getCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count mappings per entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s *ledger.PostgresStore) error {
				stats, err := s.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	})
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Administer the Redpanda topics",
	}

	withAdmin := func(fn func(*config.Config, *redpanda.Admin) error) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		return fn(cfg, admin)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the sync topics that do not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(cfg *config.Config, a *redpanda.Admin) error {
				created, err := a.EnsureTopics(cmd.Context(), redpanda.DefaultTopicConfigs(cfg.KafkaReplication))
				for _, t := range created {
					fmt.Println("created", t)
				}
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(_ *config.Config, a *redpanda.Admin) error {
				topics, err := a.Topics(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Println(t)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lag",
		Short: "Show the feed consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(cfg *config.Config, a *redpanda.Admin) error {
				lag, err := a.GroupLag(cmd.Context(), cfg.ConsumerGroup)
				if err != nil {
					return err
				}
				return printJSON(lag)
			})
		},
	})
	return cmd
}
