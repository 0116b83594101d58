package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/onnwee/audittrail/internal/access"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/auth"
	"github.com/onnwee/audittrail/internal/config"
	"github.com/onnwee/audittrail/internal/db"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/requestctx"
	"github.com/onnwee/audittrail/internal/retention"
	"github.com/onnwee/audittrail/internal/trail"
	"github.com/onnwee/audittrail/migrations"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "auditctl",
		Usage: "Operate the audit trail store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("AUDIT_CONFIG"),
				Usage:   "Path to an optional YAML config file",
			},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			retentionCommand(),
			purgeLogCommand(),
			exportCommand(),
			tokenCommand(),
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations as the table owner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Sources:  cli.EnvVars("OWNER_DATABASE_URL"),
				Usage:    "Connection URL of the role that owns the audit tables",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conn, err := db.Open(ctx, cmd.String("database-url"), db.Options{MaxOpenConns: 1})
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := migrations.Up(ctx, conn); err != nil {
				return err
			}
			version, err := migrations.Version(ctx, conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "schema at version %d\n", version)
			return nil
		},
	}
}

func retentionCommand() *cli.Command {
	return &cli.Command{
		Name:  "retention",
		Usage: "Inspect or run tier migration and purge",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run one retention pass now",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withManager(ctx, cmd, func(cfg *config.Config, m *retention.Manager, logger *slog.Logger) error {
						job := retention.NewJob(retention.JobConfig{Timeout: cfg.Retention.Timeout, Logger: logger}, m)
						report, err := job.RunNow(ctx)
						if encErr := writeJSON(cmd.Root().Writer, report); encErr != nil {
							return encErr
						}
						return err
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show the last completed cutoff of each step",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withManager(ctx, cmd, func(_ *config.Config, m *retention.Manager, _ *slog.Logger) error {
						marks, err := m.Status(ctx)
						if err != nil {
							return err
						}
						return printWatermarks(cmd.Root().Writer, marks)
					})
				},
			},
		},
	}
}

func purgeLogCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge-log",
		Usage: "Print the operational purge log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Sources: cli.EnvVars("PURGE_LOG_PATH"),
				Value:   config.DefaultPurgeLogPath,
				Usage:   "Purge log file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			summaries, err := retention.NewFilePurgeLog(cmd.String("path")).List(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.Root().Writer)
			for _, s := range summaries {
				if err := enc.Encode(s); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export redacted audit events as an operator; the export itself is audited",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "actor", Usage: "Actor ID recorded for the export", Required: true},
			&cli.StringFlag{Name: "role", Usage: "Role whose redaction rules apply", Required: true},
			&cli.StringFlag{Name: "format", Value: string(trail.FormatCSV), Usage: "csv or json"},
			&cli.BoolFlag{Name: "gzip", Usage: "Compress the output"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
			&cli.StringSliceFlag{Name: "entity-type", Usage: "Restrict to entity types"},
			&cli.StringFlag{Name: "entity-id", Usage: "Restrict to one entity"},
			&cli.StringFlag{Name: "actor-id", Usage: "Restrict to events by one actor"},
			&cli.StringSliceFlag{Name: "action", Usage: "Restrict to actions"},
			&cli.StringFlag{Name: "from", Usage: "Inclusive lower bound (RFC 3339)"},
			&cli.StringFlag{Name: "to", Usage: "Exclusive upper bound (RFC 3339)"},
			&cli.BoolFlag{Name: "include-archive", Usage: "Also read the cold archive"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format, err := trail.ParseExportFormat(cmd.String("format"))
			if err != nil {
				return err
			}
			f, err := exportFilter(cmd)
			if err != nil {
				return err
			}
			return withTrail(ctx, cmd, func(svc *trail.Service) error {
				w := cmd.Root().Writer
				if path := cmd.String("output"); path != "" {
					file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return fmt.Errorf("open output: %w", err)
					}
					defer file.Close()
					w = file
				}

				ctx, end := requestctx.Begin(ctx, requestctx.RequestContext{
					ActorID:     cmd.String("actor"),
					ClientAgent: "auditctl",
				})
				defer end()

				viewer := trail.Viewer{Role: cmd.String("role"), ActorID: cmd.String("actor")}
				n, err := svc.Export(ctx, viewer, f, trail.ExportOptions{Format: format, Gzip: cmd.Bool("gzip")}, w)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().ErrWriter, "exported %d events\n", n)
				return nil
			})
		},
	}
}

// exportFilter builds a Filter from the export flags.
func exportFilter(cmd *cli.Command) (audit.Filter, error) {
	f := audit.Filter{
		EntityID:       cmd.String("entity-id"),
		ActorID:        cmd.String("actor-id"),
		IncludeArchive: cmd.Bool("include-archive"),
	}
	switch types := cmd.StringSlice("entity-type"); len(types) {
	case 0:
	case 1:
		f.EntityType = types[0]
	default:
		f.EntityTypes = types
	}
	for _, a := range cmd.StringSlice("action") {
		f.Actions = append(f.Actions, audit.Action(strings.ToUpper(a)))
	}
	var err error
	if f.From, err = parseBound(cmd.String("from")); err != nil {
		return audit.Filter{}, fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseBound(cmd.String("to")); err != nil {
		return audit.Filter{}, fmt.Errorf("--to: %w", err)
	}
	return f, nil
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a short-lived viewer token for the trail API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "secret",
				Sources:  cli.EnvVars("JWT_SECRET"),
				Usage:    "Signing secret shared with the API",
				Required: true,
			},
			&cli.StringFlag{Name: "actor", Usage: "Actor ID of the viewer", Required: true},
			&cli.StringFlag{Name: "role", Usage: "Viewer role", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: auth.DefaultViewerTokenExpiry, Usage: "Token lifetime"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			token, err := auth.NewJWTService(cmd.String("secret")).
				GenerateViewerToken(cmd.String("actor"), cmd.String("role"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, token)
			return nil
		},
	}
}

// withManager loads configuration and builds a retention Manager over the
// retention credential for the duration of fn.
func withManager(ctx context.Context, cmd *cli.Command, fn func(*config.Config, *retention.Manager, *slog.Logger) error) error {
	cfg, errs := config.Load(cmd.Root().String("config"))
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	if cfg.RetentionDatabaseURL == "" {
		return config.ErrMissingRetentionDatabaseURL
	}
	logger := middleware.NewLogger(cfg.Env)

	conn, err := db.Open(ctx, cfg.RetentionDatabaseURL, db.Options{MaxOpenConns: 2})
	if err != nil {
		return fmt.Errorf("retention database: %w", err)
	}
	defer conn.Close()

	objects, err := retention.NewS3ObjectStore(retention.S3Config{
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("archive object store: %w", err)
	}

	// Share the server's lock so a manual run never overlaps a scheduled one.
	var locker retention.Locker = retention.NewMemoryLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		locker = retention.NewRedisLocker(client)
	}

	manager, err := retention.NewPostgresManager(conn, objects, cfg.Archive.Prefix, retention.ManagerConfig{
		Policy:          retention.PolicyFromDays(cfg.Retention.HotDays, cfg.Retention.WarmDays, cfg.Retention.PurgeDays),
		PurgeLog:        retention.NewFilePurgeLog(cfg.PurgeLogPath),
		PartitionsAhead: cfg.Retention.PartitionsAhead,
		Locker:          locker,
		BatchSize:       cfg.Retention.BatchSize,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("retention manager: %w", err)
	}
	return fn(cfg, manager, logger)
}

// withTrail builds a trail Service over the application credential. The
// export's own record is written directly to hot, never through the queue.
func withTrail(ctx context.Context, cmd *cli.Command, fn func(*trail.Service) error) error {
	cfg, errs := config.Load(cmd.Root().String("config"))
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	logger := middleware.NewLogger(cfg.Env)

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxOpenConns: 2})
	if err != nil {
		return fmt.Errorf("application database: %w", err)
	}
	defer conn.Close()

	hot := audit.NewPostgresRepository(conn, logger)
	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Appender:     hot,
		Logger:       logger,
		WriteTimeout: cfg.Recorder.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("audit recorder: %w", err)
	}

	var archive audit.Reader
	if cfg.Archive.Bucket != "" {
		objects, err := retention.NewS3ObjectStore(retention.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("archive object store: %w", err)
		}
		archive = retention.NewArchive(objects, retention.NewPostgresColdIndex(conn), cfg.Archive.Prefix, logger)
	}

	var policy *access.Policy
	if cfg.RedactionRulesPath != "" {
		policy, err = access.LoadRules(cfg.RedactionRulesPath)
	} else {
		policy, err = access.NewPolicy(access.DefaultRules())
	}
	if err != nil {
		return fmt.Errorf("redaction rules: %w", err)
	}

	accessSvc, err := access.NewService(access.ServiceConfig{
		Reader: retention.NewTieredReader(hot, retention.NewPostgresWarmStore(conn), archive),
		Policy: policy,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("access service: %w", err)
	}
	svc, err := trail.NewService(trail.Config{
		Querier:       accessSvc,
		Recorder:      recorder,
		Logger:        logger,
		DefaultLimit:  cfg.Query.DefaultLimit,
		MaxPageSize:   cfg.Query.MaxPageSize,
		MaxExportRows: cfg.Query.MaxExportRows,
	})
	if err != nil {
		return fmt.Errorf("trail service: %w", err)
	}
	return fn(svc)
}

func printWatermarks(w io.Writer, marks map[retention.Step]time.Time) error {
	steps := make([]string, 0, len(marks))
	for step := range marks {
		steps = append(steps, string(step))
	}
	sort.Strings(steps)
	for _, step := range steps {
		mark := marks[retention.Step(step)]
		value := "never"
		if !mark.IsZero() {
			value = mark.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(w, "%-14s %s\n", step, value); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
