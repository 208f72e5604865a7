package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/nzbd/internal/api"
	"github.com/javi11/nzbd/internal/cache"
	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/coordinator"
	"github.com/javi11/nzbd/internal/diskstate"
	"github.com/javi11/nzbd/internal/dupe"
	"github.com/javi11/nzbd/internal/editor"
	"github.com/javi11/nzbd/internal/nntp"
	"github.com/javi11/nzbd/internal/nzb"
	"github.com/javi11/nzbd/internal/pathutil"
	"github.com/javi11/nzbd/internal/postprocess"
	"github.com/javi11/nzbd/internal/queue"
	"github.com/javi11/nzbd/internal/scanner"
	"github.com/javi11/nzbd/internal/scheduler"
	"github.com/javi11/nzbd/internal/scripts"
	"github.com/javi11/nzbd/internal/slogutil"
	"github.com/javi11/nzbd/internal/urlfetch"
	"github.com/javi11/nzbd/internal/writer"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the download daemon",
		Long:  `Start the download daemon using configuration from YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration first (using default logger for config loading errors)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	// Setup log rotation with the loaded configuration
	logger, logLevel := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("Starting nzbd",
		"log_file", cfg.Log.File,
		"log_level", cfg.Log.Level,
		"download_workers", cfg.Download.Workers,
		"providers", len(cfg.Providers))

	// Create config manager for dynamic configuration updates
	configManager := config.NewManager(cfg, configFile)

	fs := afero.NewOsFs()
	if err := prepareDirectories(cfg); err != nil {
		logger.Error("failed to prepare directories", "err", err)
		return err
	}

	// Core state: queue, persistent store, article cache, file assembler.
	q := queue.NewQueue()
	store := diskstate.NewStore(fs, cfg.ResolvePath(cfg.Paths.QueueDir), cfg.Download.FlushDiskstate)
	articleCache := cache.New(cfg.GetArticleCacheBytes(), store.SetArticleCacheSentinel)
	wopts := writer.Options{
		DirectWrite: cfg.Download.DirectWrite,
		Preallocate: cfg.Download.Preallocate,
		TempDir:     cfg.ResolvePath(cfg.Paths.TempDir),
	}
	assembler := writer.NewAssembler(fs, articleCache, wopts)
	qc := coordinator.New(q, store, articleCache, assembler)

	if err := store.LoadAll(q); err != nil {
		logger.Error("failed to restore queue state", "err", err)
		return err
	}
	if !cfg.Download.ContinuePartial {
		discardPartialStates(q, store)
	}

	qc.SetPaused(cfg.Download.PauseOnStart)
	qc.SetSpeedLimit(cfg.GetSpeedLimitBytes())

	runner := scripts.NewRunner()
	dupes := dupe.New(q, qc, fs)

	options := func() map[string]string {
		return configManager.GetConfig().Options()
	}

	// Queue-script hook: lifecycle events dispatched to user scripts.
	hook := scripts.NewHook(q, store, runner, scripts.HookConfig{
		Scripts: func() []string {
			return configManager.GetConfig().Download.QueueScripts
		},
		Options: options,
		EventInterval: func() time.Duration {
			return configManager.GetConfig().GetEventInterval()
		},
		MarkBad: markQueuedBad(q),
	})
	qc.RegisterObserver(hook.OnEvent)

	// Post-processing stage machine.
	processor := postprocess.New(q, qc, store, dupes, fs, runner, nil, nil, postprocess.Config{
		ParCheck:     cfg.PostProcess.ParCheck,
		ParRepair:    cfg.PostProcess.ParRepair,
		ParTimeLimit: cfg.GetParTimeLimit(),
		Unpack:       cfg.PostProcess.Unpack,
		CleanupExts:  cfg.PostProcess.CleanupExt,
		KeepHistory:  cfg.Download.KeepHistory,
		ScriptGrace:  cfg.GetScriptGrace(),
		PostScripts: func() []string {
			return configManager.GetConfig().PostProcess.PostScripts
		},
		Options: options,
	})
	qc.RegisterObserver(processor.OnEvent)

	ed := editor.New(q, qc, store)
	ed.KeepHistory = cfg.Download.KeepHistory
	ed.CancelPost = processor.Cancel
	qc.OnDeleteDrained = ed.FinalizeDelete

	// Remote nzb fetcher drops downloads in the incoming directory.
	fetcher := urlfetch.New(q, qc, fs, cfg.ResolvePath(cfg.Paths.NzbDir), 2)

	// Control API.
	mux := http.NewServeMux()
	apiServer := api.NewServer(nil, q, qc, ed, dupes, articleCache, fetcher, configManager, mux)

	// Incoming nzb directory watcher.
	downloadDir := cfg.ResolvePath(cfg.Paths.DestDir)
	finalDirRoot := ""
	if cfg.Paths.InterDir != "" {
		downloadDir = cfg.ResolvePath(cfg.Paths.InterDir)
		finalDirRoot = cfg.ResolvePath(cfg.Paths.DestDir)
	}
	scan := scanner.New(fs, nzb.NewParser(), dupes, qc, runner, scanner.Config{
		Dir:          cfg.ResolvePath(cfg.Paths.NzbDir),
		TickInterval: cfg.GetScanInterval(),
		MinAge:       cfg.GetScanMinAge(),
		ScanScript:   cfg.Scan.ScanScript,
		ScriptGrace:  cfg.GetScriptGrace(),
		Options:      options,
		DownloadDir:  downloadDir,
		FinalDirRoot: finalDirRoot,
	})

	// Time-of-day scheduler.
	sched := scheduler.New(qc, runner, cfg.GetScriptGrace(), options)
	for i, tc := range cfg.Scheduler {
		task, err := taskFromConfig(tc)
		if err != nil {
			logger.Error("Skipping scheduler task", "index", i, "err", err)
			continue
		}
		if err := sched.AddTask(task); err != nil {
			logger.Error("Skipping scheduler task", "index", i, "err", err)
		}
	}

	// NNTP connection pool and worker fleet.
	poolManager := nntp.NewManager()
	if len(cfg.Providers) > 0 {
		if err := poolManager.SetProviders(cfg.ToProviders()); err != nil {
			logger.Error("failed to create initial NNTP pool", "err", err)
			return err
		}
	} else {
		logger.Info("Starting daemon without NNTP providers - downloads stay queued")
	}
	defer func() {
		_ = poolManager.ClearPool()
	}()

	fleet := nntp.NewFleet(qc, poolManager, fs, articleCache, wopts, cfg.Download.Workers)

	// Register components for dynamic configuration updates.
	registry := config.NewComponentRegistry(logger)
	registry.RegisterPool(poolManager)
	registry.RegisterSpeed(qc)
	registry.RegisterLogging(config.NewLoggingUpdater(cfg.Log.Level, logLevel.SetLevel))
	configManager.OnConfigChange(registry.ApplyUpdates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		articleCache.Run(gctx, qc.PickFlushCandidate, qc.FlushCandidate)
		return nil
	})
	g.Go(func() error { return fleet.Run(gctx) })
	g.Go(func() error { return apiServer.Listen(gctx, cfg.Server.Port) })
	g.Go(func() error { return fetcher.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return scan.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		runProgressCheckpoint(gctx, q, store)
		return nil
	})

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-gctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("Component stopped with error", "err", err)
	}

	q.Lock()
	saveErr := store.SaveAll(q)
	q.Unlock()
	if saveErr != nil {
		logger.Error("Failed to persist queue state on shutdown", "err", saveErr)
	}

	logger.Info("nzbd shutting down gracefully")
	return nil
}

// prepareDirectories creates the working directories and verifies they are
// writable before any component touches them.
func prepareDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Paths.MainDir,
		cfg.ResolvePath(cfg.Paths.DestDir),
		cfg.ResolvePath(cfg.Paths.NzbDir),
		cfg.ResolvePath(cfg.Paths.QueueDir),
		cfg.ResolvePath(cfg.Paths.TempDir),
	}
	if cfg.Paths.InterDir != "" {
		dirs = append(dirs, cfg.ResolvePath(cfg.Paths.InterDir))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := pathutil.CheckDirectoryWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

// runProgressCheckpoint periodically writes the delta overlay for jobs whose
// changed flag is set since the last full save.
func runProgressCheckpoint(ctx context.Context, q *queue.Queue, store *diskstate.Store) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Lock()
			err := store.SaveProgress(q)
			q.Unlock()
			if err != nil {
				slog.Default().Warn("Progress checkpoint failed", "err", err)
			}
		}
	}
}

// discardPartialStates drops saved per-file progress so every queued file
// restarts from its first article.
func discardPartialStates(q *queue.Queue, store *diskstate.Store) {
	for _, nzbInfo := range q.Items {
		for _, fi := range nzbInfo.FileList {
			store.DiscardFileState(fi.ID)
		}
	}
}

// markQueuedBad returns the hook callback for the `[NZB] MARK=BAD` directive
// on queued jobs.
func markQueuedBad(q *queue.Queue) func(nzbID int) {
	return func(nzbID int) {
		q.Lock()
		if job := q.Find(nzbID); job != nil {
			job.MarkStatus = queue.MarkBad
			job.Changed = true
		}
		q.Unlock()
	}
}

func taskFromConfig(tc config.TaskConfig) (scheduler.Task, error) {
	var task scheduler.Task
	var hour, minute int
	if _, err := fmt.Sscanf(tc.Time, "%d:%d", &hour, &minute); err != nil {
		return task, fmt.Errorf("bad task time %q: %w", tc.Time, err)
	}

	var mask uint8
	for _, d := range tc.WeekDays {
		if d < 0 || d > 6 {
			return task, fmt.Errorf("bad weekday %s", strconv.Itoa(d))
		}
		mask |= 1 << uint(d)
	}

	var command scheduler.Command
	switch tc.Command {
	case "pause":
		command = scheduler.CommandPauseDownload
	case "unpause":
		command = scheduler.CommandUnpauseDownload
	case "rate":
		command = scheduler.CommandDownloadRate
	case "script":
		command = scheduler.CommandScript
	default:
		return task, fmt.Errorf("unknown task command %q", tc.Command)
	}

	return scheduler.Task{
		Hour:     hour,
		Minute:   minute,
		WeekDays: mask,
		Command:  command,
		Param:    tc.Param,
	}, nil
}
