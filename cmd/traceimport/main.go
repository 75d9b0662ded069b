// Command traceimport ingests a perf.data recording and reports the
// resolved sample stream, in the same cobra-driven, config-file-plus-
// flags shape the wider trace-processing system's agent binary uses.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/nebulaperf/tracecore/internal/blob"
	"github.com/nebulaperf/tracecore/internal/config"
	"github.com/nebulaperf/tracecore/internal/importer"
	"github.com/nebulaperf/tracecore/internal/sniff"
	"github.com/nebulaperf/tracecore/pkg/xlog"
	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

// maxConcurrentImports bounds how many perf.data files traceimport reads
// at once when given multiple paths: each import holds its own chunk
// buffer and in-memory sample table, so unbounded fan-out over a large
// argument list would be a memory footgun for no throughput gain past
// the point disks and CPUs are saturated.
const maxConcurrentImports = 4

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "traceimport: maxprocs: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var listenAddr string
	var devLog bool

	cmd := &cobra.Command{
		Use:           "traceimport <perf.data path> [more paths...]",
		Short:         "Ingest one or more perf.data recordings into the trace event model",
		Long:          "traceimport streams one or more perf.data recordings through the same tokenizer, record parser, and collaborator trackers the wider trace-processing system uses, printing a summary of what was resolved from each. Multiple paths import concurrently.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return runAll(cmd.Context(), args, cfg, devLog)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "address to serve Prometheus metrics on (overrides config)")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "use human-readable development logging instead of JSON")

	return cmd
}

// runAll imports every path concurrently, capped at maxConcurrentImports
// in flight at once, and fails the whole run if any one import fails.
// The metrics listener, if configured, is only meaningful for a single
// registry, so it serves the first path's registry and a warning notes
// the rest import unobserved.
func runAll(ctx context.Context, paths []string, cfg config.Config, devLog bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := newLogger(devLog)
	if err != nil {
		return fmt.Errorf("traceimport: logger: %w", err)
	}

	if cfg.ListenAddr != "" && len(paths) > 1 {
		log.Warn(ctx, "metrics listener only serves the first file's registry when importing multiple paths",
			xlog.Int("paths", len(paths)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentImports)
	for i, path := range paths {
		path := path
		serveThis := cfg.ListenAddr != "" && i == 0
		g.Go(func() error {
			return runOne(gctx, path, cfg, log, serveThis)
		})
	}
	return g.Wait()
}

func runOne(ctx context.Context, path string, cfg config.Config, log xlog.Logger, serveMetricsForThis bool) error {
	reg := xmetrics.NewRegistry()
	if serveMetricsForThis {
		go serveMetrics(ctx, log, reg, cfg.ListenAddr)
	}

	mapped, err := blob.OpenMapped(path)
	if err != nil {
		return fmt.Errorf("traceimport: %w", err)
	}
	defer mapped.Close()

	if mapped.Len() >= sniff.MinPrefixLen && !sniff.IsPerfData(mapped.Bytes()[:sniff.MinPrefixLen]) {
		return fmt.Errorf("traceimport: %s does not look like a perf.data recording", path)
	}

	pipeline, storage := importer.NewPipeline(log, reg)

	chunkSize := cfg.FeedChunkBytes
	if chunkSize <= 0 {
		chunkSize = importer.FeedChunkSize
	}

	r, w := io.Pipe()
	go func() {
		err := mapped.Chunks(chunkSize, func(_ uint64, data []byte) error {
			_, err := w.Write(data)
			return err
		})
		w.CloseWithError(err)
	}()

	if err := pipeline.Run(ctx, r); err != nil {
		return fmt.Errorf("traceimport: %s: %w", path, err)
	}

	samples := storage.Samples()
	fmt.Printf("%s: resolved %d samples, %d processes, %d with mappings\n",
		path, len(samples), len(pipeline.Processes()), len(pipeline.ProcessesWithMappings()))
	for _, stat := range []string{
		"perf_samples_lost",
		"perf_samples_unattributed",
		"perf_clock_translation_errors",
	} {
		if v := storage.Stat(stat); v != 0 {
			fmt.Printf("%s: %s: %d\n", path, stat, v)
		}
	}
	return nil
}

func newLogger(dev bool) (xlog.Logger, error) {
	if dev {
		return xlog.NewDevelopment()
	}
	return xlog.New()
}

func serveMetrics(ctx context.Context, log xlog.Logger, reg *xmetrics.Registry, addr string) {
	srv := &http.Server{Addr: addr, Handler: reg.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn(ctx, "metrics server stopped", xlog.Error(err))
	}
}
