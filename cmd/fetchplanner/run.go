package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaneisley/fetchplanner/pkg/backoff"
	"github.com/shaneisley/fetchplanner/pkg/config"
	"github.com/shaneisley/fetchplanner/pkg/loadtest"
	"github.com/shaneisley/fetchplanner/pkg/logging"
	"github.com/shaneisley/fetchplanner/pkg/metrics"
	"github.com/shaneisley/fetchplanner/pkg/planner"
	"github.com/shaneisley/fetchplanner/pkg/recorder"
	"github.com/shaneisley/fetchplanner/pkg/retry"
	"github.com/shaneisley/fetchplanner/pkg/ui"
)

// RunConfig holds the load-test flags that are not part of the config file
type RunConfig struct {
	Requests    int
	Duration    time.Duration
	Processes   int
	Stagger     time.Duration
	Paths       []string
	Method      string
	Concurrency int
	Quiet       bool
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var rc RunConfig

	cmd := &cobra.Command{
		Use:   "run URL",
		Short: "Drive requests against an API through the planner",
		Long: `Run issues requests against URL the way a busy client would: each worker waits
for a free request slot, fires its request and moves on. Every process gets its
own planner, as independent clients of the same API would.

Events are recorded to SQLite when --db is set and exported as Prometheus
metrics when --metrics-listen is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfiguration(cmd, opts, false)
			if err != nil {
				return err
			}
			return runLoadTest(cmd, cfg, rc, args[0])
		},
	}

	cmd.Flags().IntVarP(&rc.Requests, "requests", "n", 100, "Requests per process (0 = run for --duration)")
	cmd.Flags().DurationVar(&rc.Duration, "duration", 0, "Stop issuing requests after this long (0 = no limit)")
	cmd.Flags().IntVarP(&rc.Processes, "processes", "p", 1, "Independent planners running side by side")
	cmd.Flags().DurationVar(&rc.Stagger, "stagger", 0, "Delay between process starts")
	cmd.Flags().StringSliceVar(&rc.Paths, "paths", nil, "Paths appended to URL in turn")
	cmd.Flags().StringVarP(&rc.Method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().IntVar(&rc.Concurrency, "concurrency", loadtest.DefaultConcurrency, "Maximum outstanding requests per process")
	cmd.Flags().BoolVarP(&rc.Quiet, "quiet", "q", false, "Only print the summary")

	cmd.Flags().Int("max-parallel-limit", 0, "Parallel request ceiling (default: 4)")
	cmd.Flags().Duration("max-request-delay", 0, "Delay when the rate limit is exhausted (default: 3s)")
	cmd.Flags().Float64("jitter", 0, "Jitter fraction, 0 to 0.3 (default: 0.1)")
	cmd.Flags().Duration("correction-period", 0, "Overflow-free period before the ceiling heals (default: 10s)")
	cmd.Flags().Float64("throttling-coefficient", 0, "Attenuation curve shape, 1 to 20 (default: 5)")
	cmd.Flags().Duration("slot-hold-timeout", 0, "How long a granted slot stays reserved, 0 disables (default: 1s)")

	cmd.Flags().IntP("attempts", "a", 0, "Application-level attempts per request (default: 1)")
	cmd.Flags().String("backoff", "", "Backoff strategy between attempts (default: exponential)\n"+
		"Options: fixed, exponential, jitter, linear, decorrelated-jitter, fibonacci, polynomial")
	cmd.Flags().Duration("delay", 0, "Base delay between attempts (default: 200ms)")
	cmd.Flags().Duration("max-delay", 0, "Maximum delay between attempts (default: 5s)")
	cmd.Flags().Float64("multiplier", 0, "Backoff multiplier (default: 2.0)")
	cmd.Flags().IntSlice("retry-status", nil, "HTTP statuses retried at the application level")

	cmd.Flags().String("db", "", "SQLite file for recorded events")
	cmd.Flags().String("metrics-listen", "", "Address for the Prometheus /metrics endpoint")

	return cmd
}

func runLoadTest(cmd *cobra.Command, cfg *config.Config, rc RunConfig, url string) error {
	if rc.Processes <= 0 {
		return fmt.Errorf("processes must be greater than 0, got %d", rc.Processes)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger := cfg.NewLogger(cmd.ErrOrStderr(), "fetchplanner")
	reporter := ui.NewReporter(cmd.OutOrStdout())
	reporter.SetQuiet(rc.Quiet)

	newStrategy, err := cfg.StrategyFactory()
	if err != nil {
		return err
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Path != "" {
		rec, err = recorder.Open(cfg.Recorder.Path, logger)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Listen != "" {
		collector, err = metrics.New()
		if err != nil {
			return err
		}
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := collector.Serve(metricsCtx, cfg.Metrics.Listen, logger); err != nil {
				logger.LogError("serve metrics", err)
			}
		}()
	}

	var (
		mu    sync.Mutex
		total = &loadtest.Summary{StatusCodes: make(map[int]int)}
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= rc.Processes; i++ {
		process := i
		g.Go(func() error {
			if rc.Stagger > 0 && process > 1 {
				select {
				case <-time.After(time.Duration(process-1) * rc.Stagger):
				case <-gctx.Done():
					return nil
				}
			}

			summary, runID, err := runProcess(gctx, cfg, rc, url, process, processDeps{
				logger:      logger.With("process", process),
				reporter:    reporter,
				recorder:    rec,
				collector:   collector,
				newStrategy: newStrategy,
			})
			if err != nil {
				return err
			}

			reporter.LoadTestSummary(runID, summary)
			mu.Lock()
			total.Merge(summary)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if rc.Processes > 1 {
		fmt.Fprintln(cmd.OutOrStdout(), "\nAll processes:")
		reporter.LoadTestSummary("", total)
	}

	if failed := total.Failed + total.SlotErrors; failed > 0 {
		return fmt.Errorf("%d requests failed", failed)
	}
	return nil
}

type processDeps struct {
	logger      *logging.Logger
	reporter    *ui.Reporter
	recorder    *recorder.Recorder
	collector   *metrics.Collector
	newStrategy func() backoff.Strategy
}

// runProcess runs one planner through a load test and returns its summary
// and recorded run ID.
func runProcess(ctx context.Context, cfg *config.Config, rc RunConfig, url string, process int, deps processDeps) (*loadtest.Summary, string, error) {
	handlers := planner.MultiHandler{planner.NewLogHandler(deps.logger)}

	var run *recorder.Run
	if deps.recorder != nil {
		var err error
		run, err = deps.recorder.StartRun(ctx, strconv.Itoa(process))
		if err != nil {
			return nil, "", err
		}
		handlers = append(handlers, run)
	}
	if deps.collector != nil {
		handlers = append(handlers, deps.collector)
	}

	opts := cfg.PlannerOptions()
	opts.EventHandler = handlers
	opts.Logger = deps.logger
	p, err := planner.New(http.DefaultTransport, &opts)
	if err != nil {
		return nil, "", err
	}
	defer p.Close()

	transport := retry.NewTransport(p, cfg.Retry.Attempts, deps.newStrategy)
	transport.RetryStatuses = cfg.Retry.Statuses
	transport.Logger = deps.logger
	transport.OnRetry = deps.reporter.Retry

	summary, err := loadtest.Run(ctx, &http.Client{Transport: transport}, p, loadtest.Params{
		URL:         url,
		Paths:       rc.Paths,
		Method:      rc.Method,
		Requests:    rc.Requests,
		Duration:    rc.Duration,
		Priority:    process,
		Concurrency: rc.Concurrency,
		Logger:      deps.logger,
		OnResult:    deps.reporter.Result,
	})
	if err != nil {
		return nil, "", err
	}

	if run == nil {
		return summary, "", nil
	}
	if err := run.Finish(context.WithoutCancel(ctx)); err != nil {
		return nil, "", err
	}
	return summary, run.ID, nil
}
