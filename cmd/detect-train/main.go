// Command detect-train trains the reference multi-scale detector from a
// TOML configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/config"
	"github.com/tsawler/go-detect/dataset"
	"github.com/tsawler/go-detect/detector"
	"github.com/tsawler/go-detect/logging"
	"github.com/tsawler/go-detect/metrics"
	"github.com/tsawler/go-detect/optimizer"
	"github.com/tsawler/go-detect/training"
)

func main() {
	logger := logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("Training failed")
		os.Exit(1)
	}
	logger.Info().Msg("Bye~")
}

func run(ctx context.Context, args []string, stdout io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("detect-train", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "configs/params.toml", "path to the TOML training config")
	epochs := fs.Int("epochs", -1, "override the number of epochs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *epochs >= 0 {
		cfg.Epochs = *epochs
	}
	if err := cfg.Prepare(time.Now()); err != nil {
		return err
	}

	logHost(logger)
	logger.Info().
		Str("run_id", cfg.RunID).
		Str("dir", cfg.SubWorkingDir).
		Int("batch_size", cfg.EffectiveBatchSize).
		Msg("Run directory ready")

	s, err := newSession(cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer s.close(logger)

	return s.loop.Run(ctx)
}

func logHost(logger zerolog.Logger) {
	logger.Info().
		Str("cpu", cpuid.CPU.BrandName).
		Int("cores", cpuid.CPU.PhysicalCores).
		Int("threads", cpuid.CPU.LogicalCores).
		Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)).
		Bool("avx512", cpuid.CPU.Supports(cpuid.AVX512F)).
		Msg("Host")
}

// session owns everything a run opens.
type session struct {
	loop   *training.Loop
	store  *metrics.Store
	server *http.Server
}

func newSession(cfg config.Config, logger zerolog.Logger, stdout io.Writer) (_ *session, err error) {
	s := &session{}
	defer func() {
		if err != nil {
			s.close(logger)
		}
	}()

	net, err := detector.New(detector.Config{
		ImgW:    cfg.ImgW,
		ImgH:    cfg.ImgH,
		Pool:    cfg.Model.Pool,
		Hidden:  cfg.Model.Hidden,
		Classes: cfg.YOLO.Classes,
		Anchors: cfg.YOLO.Anchors,
		Seed:    cfg.Data.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}

	groups, err := optimizer.BuildParameterGroups(net, optimizer.LRConfig{
		BackboneLR:     cfg.LR.BackboneLR,
		OtherLR:        cfg.LR.OtherLR,
		FreezeBackbone: cfg.LR.FreezeBackbone,
	})
	if err != nil {
		return nil, fmt.Errorf("parameter groups: %w", err)
	}
	for _, g := range groups {
		logger.Info().Str("group", g.Name).Int("params", len(g.Params)).Float64("lr", g.LR).Msg("Parameter group")
	}
	if cfg.LR.FreezeBackbone {
		logger.Info().Msg("Freeze backbone")
	}

	kind, fallback := optimizer.ParseKind(cfg.Optimizer.Type)
	if fallback {
		logger.Info().Str("type", cfg.Optimizer.Type).Msg("Unknown optimizer type, using sgd")
	}
	optCfg := optimizer.DefaultConfig(kind)
	optCfg.WeightDecay = cfg.Optimizer.WeightDecay
	optCfg.Momentum = cfg.Optimizer.Momentum
	opt, err := optimizer.New(groups, optCfg)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}

	scheduler, err := training.NewScheduler(training.SchedulerConfig{
		Name:      cfg.LR.Schedule,
		StepSize:  cfg.LR.DecayStep,
		Gamma:     cfg.LR.DecayGamma,
		MaxEpochs: cfg.Epochs,
	})
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return nil, err
	}
	ckptConfig := training.CheckpointConfig{
		SaveDirectory: cfg.SubWorkingDir,
		Format:        format,
		RunID:         cfg.RunID,
	}
	if cfg.Checkpoint.KeepBest {
		// Without an evaluator every save counts as the best so far.
		ckptConfig.ShouldKeep = func(*checkpoints.Checkpoint) bool { return true }
	}
	manager := training.NewCheckpointManager(ckptConfig, logger)

	sinks := metrics.Multi{metrics.LogSink{Logger: logger}}
	if cfg.Metrics.Store != "" {
		s.store, err = metrics.Open(cfg.ResolvePath(cfg.Metrics.Store))
		if err != nil {
			return nil, fmt.Errorf("open metrics store: %w", err)
		}
		if err := s.store.BeginRun(context.Background(), cfg.RunID, cfg.Model.BackboneName); err != nil {
			return nil, fmt.Errorf("register run: %w", err)
		}
		sinks = append(sinks, s.store)
	}
	if cfg.Metrics.Prometheus || cfg.Metrics.ListenAddr != "" {
		prom := metrics.NewPromSink(cfg.RunID)
		sinks = append(sinks, prom)
		if cfg.Metrics.ListenAddr != "" {
			s.server = serveMetrics(cfg.Metrics.ListenAddr, prom, logger)
		}
	}

	samples, err := dataset.NewSynthetic(dataset.SyntheticConfig{
		Samples: cfg.Data.Samples,
		Width:   cfg.ImgW,
		Height:  cfg.ImgH,
		Classes: cfg.YOLO.Classes,
		Seed:    cfg.Data.Seed,
	})
	if err != nil {
		return nil, err
	}
	loader, err := dataset.NewDataLoader(samples, cfg.EffectiveBatchSize, cfg.Data.Shuffle, cfg.Data.Seed)
	if err != nil {
		return nil, err
	}

	training.PrintParameterSummary(stdout, cfg.Model.BackboneName, net.Parameters(), net.InBackbone)

	components := training.Components{
		Network:     net,
		Criteria:    net.Criteria(),
		Loader:      loader,
		Optimizer:   opt,
		Scheduler:   scheduler,
		Checkpoints: manager,
		Reporter:    training.NewMetricReporter(sinks),
		Logger:      &logger,
	}
	if f, ok := stdout.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		components.Progress = stdout
	}

	s.loop, err = training.NewLoop(training.TrainingConfig{
		Epochs:             cfg.Epochs,
		MetricsEvery:       int64(cfg.MetricsEvery),
		CheckpointEvery:    int64(cfg.CheckpointEvery),
		EffectiveBatchSize: cfg.EffectiveBatchSize,
		StartStep:          cfg.StartStep,
		PretrainSnapshot:   cfg.PretrainSnapshot,
	}, components)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func serveMetrics(addr string, prom *metrics.PromSink, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return server
}

func (s *session) close(logger zerolog.Logger) {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown")
		}
		cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Close metrics store")
		}
	}
}
