package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-billing/cmd/billingctl/cli"
	"github.com/odyssey-erp/odyssey-billing/internal/app"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/notify"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

// exitCode carries a command's exit status through cobra.
type exitCode int

func (c exitCode) Error() string {
	return "exit status " + strconv.Itoa(int(c))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		stop()
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(cli.ExitInput)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the billing reconciliation core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(referenceCmd(), importCmd(), redistributeCmd(), jobsCmd())
	return root
}

func result(code int) error {
	if code == cli.ExitOK {
		return nil
	}
	return exitCode(code)
}

func output(cmd *cobra.Command) cli.OutputOptions {
	jsonOut, _ := cmd.Flags().GetBool("json")
	return cli.OutputOptions{JSONOutput: jsonOut, Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
}

func referenceCmd() *cobra.Command {
	var scheme, bankRef string
	newCLI := func() (*cli.ReferenceCLI, error) {
		parsed, err := reference.ParseScheme(scheme)
		if err != nil {
			return nil, err
		}
		return cli.NewReferenceCLI(reference.Config{Scheme: parsed, BankRef: bankRef})
	}

	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Encode, decode and format payment references",
	}
	cmd.PersistentFlags().StringVar(&scheme, "scheme", envOr("REFERENCE_SCHEME", "qr"), "Reference scheme (scor, qr)")
	cmd.PersistentFlags().StringVar(&bankRef, "bank-ref", os.Getenv("BANK_REFERENCE"), "Bank reference prefix for QR references")
	cmd.PersistentFlags().Bool("json", false, "Output as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "encode [member-id] [invoice-id]",
		Short: "Print the reference for an invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("member id: %w", err)
			}
			invoiceID, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invoice id: %w", err)
			}
			refs, err := newCLI()
			if err != nil {
				return err
			}
			return result(refs.EncodeCommand(memberID, invoiceID, output(cmd)))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "decode [reference]",
		Short: "Validate a reference and print its member and invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := newCLI()
			if err != nil {
				return err
			}
			return result(refs.DecodeCommand(args[0], output(cmd)))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "format [reference]",
		Short: "Group a reference for display",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := newCLI()
			if err != nil {
				return err
			}
			return result(refs.FormatCommand(args[0], output(cmd)))
		},
	})
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Match a provider batch file against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			ops := cli.NewOpsCLI(rt.importer, rt.redistributor)
			return result(ops.ImportCommand(cmd.Context(), cli.ImportOptions{OutputOptions: output(cmd), Path: args[0]}))
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func redistributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redistribute [member-id]...",
		Short: "Recompute paid amounts and states for members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			ops := cli.NewOpsCLI(rt.importer, rt.redistributor)
			return result(ops.RedistributeCommand(cmd.Context(), ids, output(cmd)))
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func jobsCmd() *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	cmd.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "Redis address")

	var members []int64
	var window string
	trigger := &cobra.Command{
		Use:   "trigger [job]",
		Short: "Enqueue payments:watchdog or billing:redistribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.TriggerOptions{MemberIDs: members}
			if window != "" {
				parsed, err := parseDuration(window)
				if err != nil {
					return err
				}
				opts.Window = parsed
			}
			jobsCLI, err := cli.NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer jobsCLI.Close()
			info, err := jobsCLI.Trigger(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().Int64SliceVar(&members, "member", nil, "Member ids for billing:redistribute")
	trigger.Flags().StringVar(&window, "window", "", "Watchdog window, e.g. 504h")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobsCLI, err := cli.NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer jobsCLI.Close()
			s, err := jobsCLI.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue:     %s\n", s.Queue)
			fmt.Fprintf(out, "pending:   %d\n", s.Pending)
			fmt.Fprintf(out, "active:    %d\n", s.Active)
			fmt.Fprintf(out, "scheduled: %d\n", s.Scheduled)
			fmt.Fprintf(out, "retry:     %d\n", s.Retry)
			fmt.Fprintf(out, "archived:  %d\n", s.Archived)
			return nil
		},
	}

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobsCLI, err := cli.NewJobsCLI(redisAddr)
			if err != nil {
				return err
			}
			defer jobsCLI.Close()
			tasks, err := jobsCLI.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-22s  %s\n", task.NextProcessAt.Format("2006-01-02 15:04"), task.Type, task.ID)
			}
			return nil
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "Number of tasks to list")

	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}

// runtime holds the services the ledger commands need.
type runtime struct {
	logger        *slog.Logger
	pool          *pgxpool.Pool
	redis         *redis.Client
	queue         *jobs.Client
	importer      *jobs.PaymentsImportJob
	redistributor *redistribution.Service
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	codec, err := reference.New(cfg.ReferenceConfig())
	if err != nil {
		return nil, err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger, pool: pool}

	var locker *cache.Locker
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, importing without lock or notifications", slog.Any("error", err))
	} else {
		rt.redis = redisClient
		locker = cache.NewLocker(redisClient)
		rt.queue, err = jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	var mailer notify.Mailer
	if rt.queue != nil {
		mailer = rt.queue
	}
	notifier, err := notify.NewOperatorNotifier(mailer, notify.Config{To: cfg.OperatorEmail, Currency: cfg.Currency, Locale: cfg.Locale}, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	repo := ledger.NewRepository(pool)
	matcherService := matcher.NewService(repo, codec, notifier)
	matcherService.Logger = logger
	rt.importer = jobs.NewPaymentsImportJob(matcherService, locker, shared.NewIdempotencyStore(pool), cfg.ImportLockTTL, logger, nil)
	rt.redistributor = redistribution.NewService(repo, logger, nil, cfg.RedistributeParallelism)
	return rt, nil
}

func (r *runtime) Close() {
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			r.logger.Warn("queue close", slog.Any("error", err))
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	r.pool.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("member id %q: must be a positive integer", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("window %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window %q: must be positive", raw)
	}
	return d, nil
}
