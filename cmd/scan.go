package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wfpscan/internal/api"
	"wfpscan/internal/config"
	"wfpscan/internal/diagnostics"
	"wfpscan/internal/dispatch"
	"wfpscan/internal/logging"
	"wfpscan/internal/progress"
	"wfpscan/internal/queue"
	"wfpscan/internal/results"
	"wfpscan/internal/tui"
	"wfpscan/pkg/wfp"
)

var errScanIncomplete = errors.New("some errors encountered while scanning, results might be incomplete")

type scanOptions struct {
	wfpPath      string
	identify     string
	ignore       string
	output       string
	format       string
	threads      int
	flags        int
	skipSnippets bool
	postSize     int
	timeout      int
	key          string
	apiURL       string
	context      string
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:     "scan [WFP_FILE]",
	Aliases: []string{"sc"},
	Short:   "Post a WFP file to the scan service and print the merged results",
	Long: "Post a WFP file to the scan service and print the merged results.\n\n" +
		"The fingerprints are read from --wfp, the positional argument, or stdin (\"-\"),\n" +
		"split into requests no larger than --post-size, and sent by a pool of workers.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyScanFlags(cmd, cfg, log); err != nil {
			return err
		}

		input := scanOpts.wfpPath
		if input == "" && len(args) == 1 {
			input = args[0]
		}
		if input == "" {
			return errors.New("no WFP file given (use --wfp, a path argument, or - for stdin)")
		}

		var manifest string
		if cfg.Scan.SBOMPath != "" {
			if manifest, err = config.LoadManifest(cfg.Scan.SBOMPath); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runScan(ctx, cmd, cfg, log, input, manifest)
	},
}

func init() {
	flags := scanCmd.Flags()
	flags.StringVarP(&scanOpts.wfpPath, "wfp", "w", "", "WFP file to scan (- for stdin)")
	flags.StringVarP(&scanOpts.identify, "identify", "i", "", "Scan and identify components in SBOM file")
	flags.StringVarP(&scanOpts.ignore, "ignore", "n", "", "Ignore components specified in the SBOM file")
	flags.StringVarP(&scanOpts.output, "output", "o", "", "Output result file name (default stdout)")
	flags.StringVarP(&scanOpts.format, "format", "f", "", "Result format requested from the service (default plain)")
	flags.IntVarP(&scanOpts.threads, "threads", "T", 0, "Number of concurrent requests (default 10, max 30)")
	flags.IntVarP(&scanOpts.flags, "flags", "F", 0, "Scanning engine flags (1: disable snippet matching, 2: enable snippet ids, "+
		"4: disable dependencies, 8: disable licenses, 16: disable copyrights, 32: disable vulnerabilities, ...)")
	flags.BoolVarP(&scanOpts.skipSnippets, "skip-snippets", "S", false, "Snippets were not fingerprinted; use small posts")
	flags.IntVarP(&scanOpts.postSize, "post-size", "P", 0, "Kilobytes to limit each post to (default 64)")
	flags.IntVarP(&scanOpts.timeout, "timeout", "M", 0, "Timeout in seconds for API communication (default 120)")
	flags.StringVarP(&scanOpts.key, "key", "k", "", "API key (not required for the default public URL)")
	flags.StringVar(&scanOpts.apiURL, "apiurl", "", "Scan API URL (default "+config.DefaultURL+")")
	flags.StringVar(&scanOpts.context, "context", "", "Free text sent with each request to help identification")
	rootCmd.AddCommand(scanCmd)
}

// applyScanFlags layers explicitly set flags over the loaded config.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config, log logging.Logger) error {
	flags := cmd.Flags()
	if flags.Changed("apiurl") {
		cfg.API.URL = scanOpts.apiURL
	}
	if flags.Changed("key") {
		cfg.API.APIKey = scanOpts.key
	}
	if flags.Changed("context") {
		cfg.API.Context = scanOpts.context
	}
	if flags.Changed("timeout") {
		if scanOpts.timeout < config.MinTimeoutSeconds {
			log.Warn().Int("timeout", scanOpts.timeout).Int("default", config.DefaultTimeoutSeconds).
				Msg("POST timeout (--timeout) too small, reverting to default")
		}
		cfg.API.TimeoutSeconds = config.NormalizeTimeout(scanOpts.timeout)
	}
	if flags.Changed("threads") {
		cfg.Scan.Threads = scanOpts.threads
	}
	if flags.Changed("flags") {
		cfg.Scan.Flags = scanOpts.flags
	}
	if flags.Changed("format") {
		cfg.Scan.Format = scanOpts.format
	}
	if flags.Changed("post-size") {
		cfg.Scan.PostSizeKiB = scanOpts.postSize
	}
	if flags.Changed("skip-snippets") {
		cfg.Scan.SkipSnippets = scanOpts.skipSnippets
	}

	switch {
	case scanOpts.identify != "":
		cfg.Scan.SBOMPath = scanOpts.identify
		cfg.Scan.ScanType = api.ModeIdentify
		if scanOpts.ignore != "" {
			log.Warn().Msg("both --identify and --ignore given, skipping ignore")
		}
	case scanOpts.ignore != "":
		cfg.Scan.SBOMPath = scanOpts.ignore
		cfg.Scan.ScanType = api.ModeBlacklist
	}

	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Debug().
		Str("url", cfg.API.URL).
		Int("threads", cfg.Scan.Threads).
		Int("post_kib", cfg.Scan.PostSizeKiB).
		Bool("skip_snippets", cfg.Scan.SkipSnippets).
		Int("timeout_s", cfg.API.TimeoutSeconds).
		Str("format", cfg.Scan.Format).
		Msg("scan settings")
	return nil
}

func runScan(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log logging.Logger, input, manifest string) error {
	sink, err := diagnosticsSink(cfg)
	if err != nil {
		return err
	}

	client := api.NewClient(
		api.Config{URL: cfg.API.URL, APIKey: cfg.API.APIKey, Timeout: cfg.RequestTimeout()},
		api.WithRetryPolicy(cfg.RetryDelay(), cfg.API.MaxRetries),
		api.WithRateLimit(cfg.API.RequestsPerSecond),
		api.WithDiagnostics(sink),
		api.WithLogger(log.With().Str("component", "api").Logger()),
	)

	tracker := progress.New(progress.Options{
		Interactive:  progress.Interactive(os.Stderr),
		Quiet:        rootOpts.quiet,
		NewIndicator: tui.Indicators(os.Stderr),
	})
	defer tracker.Close()

	q := queue.New(0)
	coord := dispatch.New(client, q, tracker, dispatch.Options{
		Threads:     cfg.Scan.Threads,
		JoinTimeout: cfg.JoinTimeout(),
		Template: dispatch.Template{
			Mode:     cfg.Scan.ScanType,
			Manifest: manifest,
			Format:   cfg.Scan.Format,
			Flags:    cfg.Scan.Flags,
			Context:  cfg.API.Context,
		},
		Logger: log,
	})

	maxBytes := wfp.MaxPostBytes(cfg.Scan.PostSizeKiB, cfg.Scan.SkipSnippets)
	payloads := 0
	startNow := make(chan struct{})
	produced := make(chan struct{})
	var startOnce sync.Once
	signalStart := func() { startOnce.Do(func() { close(startNow) }) }

	g, gctx := errgroup.WithContext(ctx)

	// Producer: cut the WFP into payloads. Dispatch starts early once there
	// is more queued work than workers.
	g.Go(func() error {
		defer close(produced)
		defer signalStart()
		defer q.Close()

		r, closeInput, err := openInput(input, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer closeInput()

		files, err := wfp.Split(r, maxBytes, func(p wfp.Payload) error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if p.Size() > maxBytes {
				log.Warn().Int("bytes", p.Size()).Int("limit", maxBytes).Msg("single file fingerprint exceeds post size, sending alone")
			}
			if err := q.Push(p); err != nil {
				return err
			}
			payloads++
			tracker.AddTotal(p.Files)
			if q.Len() > cfg.Scan.Threads {
				signalStart()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("read %s: %w", input, err)
		}
		log.Debug().Int("files", files).Int("requests", payloads).Msg("fingerprints queued")
		return nil
	})

	g.Go(func() error {
		return dispatchWhenReady(gctx, coord, startNow, produced)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	tracker.Close()

	if payloads == 0 {
		log.Warn().Str("input", input).Msg("no fingerprints to scan")
		return nil
	}

	res := coord.Result()
	report := results.Merge(res.Responses)
	if err := results.WriteFile(scanOpts.output, report); err != nil {
		return err
	}

	failed := res.Failed || report.Empty()
	if !rootOpts.quiet {
		fmt.Fprintln(cmd.ErrOrStderr(), tui.RenderSummary("Scan summary", summaryRows(res, report, q.Files(), failed)))
	}
	if failed {
		log.Warn().Msg(errScanIncomplete.Error())
		return errScanIncomplete
	}
	return nil
}

// dispatchWhenReady starts coord once startNow closes and waits for the drain
// only after produced closes. A pool that was never started is reported as a
// cancellation so the caller does not read its result.
func dispatchWhenReady(ctx context.Context, coord *dispatch.Coordinator, startNow, produced <-chan struct{}) error {
	select {
	case <-startNow:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	select {
	case <-produced:
	case <-ctx.Done():
	}
	coord.Wait()
	return nil
}

func diagnosticsSink(cfg *config.Config) (diagnostics.Sink, error) {
	local := diagnostics.FileSink{Dir: cfg.Diagnostics.Dir}
	if cfg.Diagnostics.Bucket == "" {
		return local, nil
	}
	remote, err := diagnostics.NewObjectSink(diagnostics.ObjectConfig{
		Endpoint:  cfg.Diagnostics.Endpoint,
		Bucket:    cfg.Diagnostics.Bucket,
		AccessKey: cfg.Diagnostics.AccessKey,
		SecretKey: cfg.Diagnostics.SecretKey,
		Region:    cfg.Diagnostics.Region,
		UseSSL:    cfg.Diagnostics.UseSSL,
		Prefix:    "wfpscan",
	})
	if err != nil {
		return nil, err
	}
	return diagnostics.Multi{local, remote}, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("WFP file %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("WFP file %q is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func summaryRows(res dispatch.RunResult, report results.Report, queued int, failed bool) []tui.SummaryRow {
	status := tui.SummaryRow{Label: "Status", Value: "complete", Tone: tui.ToneGood}
	if failed {
		status = tui.SummaryRow{Label: "Status", Value: "incomplete", Tone: tui.ToneBad}
	}
	rows := []tui.SummaryRow{
		status,
		{Label: "Files", Value: fmt.Sprintf("%d/%d", res.Processed, queued)},
		{Label: "Requests", Value: strconv.Itoa(res.Requests)},
		{Label: "Responses", Value: strconv.Itoa(len(res.Responses))},
		{Label: "Workers", Value: strconv.Itoa(res.Workers)},
		{Label: "Elapsed", Value: res.Elapsed.Round(time.Millisecond).String()},
	}
	if res.Skipped > 0 {
		rows = append(rows, tui.SummaryRow{Label: "Skipped", Value: strconv.Itoa(res.Skipped), Tone: tui.ToneWarn})
	}
	if res.Abandoned > 0 {
		rows = append(rows, tui.SummaryRow{Label: "Abandoned workers", Value: strconv.Itoa(res.Abandoned), Tone: tui.ToneWarn})
	}
	for _, c := range report.Counts() {
		rows = append(rows, tui.SummaryRow{Label: "Match " + c.ID, Value: strconv.Itoa(c.Files)})
	}
	return rows
}
