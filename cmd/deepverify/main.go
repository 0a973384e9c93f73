package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/bdougie/deepverify/internal/analyzer"
	"github.com/bdougie/deepverify/internal/config"
	"github.com/bdougie/deepverify/internal/embeddings"
	"github.com/bdougie/deepverify/internal/extractor"
	"github.com/bdougie/deepverify/internal/logger"
	"github.com/bdougie/deepverify/internal/metrics"
	"github.com/bdougie/deepverify/internal/models"
	"github.com/bdougie/deepverify/internal/server"
	"github.com/bdougie/deepverify/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = config.LoadEnv()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "deepverify",
		Usage: "detect manipulated faces in video with a multimodal model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("DEEPVERIFY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "analyze",
				Usage:     "analyze a local video file and print the verdict as JSON",
				ArgsUsage: "--video path/to/video.mp4",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "video", Aliases: []string{"v"}, Usage: "video file to analyze", Required: true},
					&cli.IntFlag{Name: "frames", Usage: "number of frames to sample (overrides config)"},
					&cli.StringFlag{Name: "cache-file", Usage: "JSON file used as verdict cache (overrides config)"},
				},
				Action: analyzeAction,
			},
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides config)"},
				},
				Action: serveAction,
			},
		},
	}
}

// app holds the wired pipeline shared by both commands
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	client    *analyzer.Client
	processor *analyzer.Processor
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if n := int(cmd.Int("frames")); n > 0 {
		cfg.Sampler.Frames = n
	}
	if f := cmd.String("cache-file"); f != "" {
		cfg.Cache.File = f
	}

	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	client, err := analyzer.NewClient(cfg.AnalyzerConfig(), log)
	if err != nil {
		if errors.Is(err, models.ErrConfiguration) {
			return nil, fmt.Errorf("%s: set capability.api_key, %sCAPABILITY_API_KEY or %s: %w",
				models.UserMessage(err), config.EnvPrefix, config.LegacyAPIKeyEnv, err)
		}
		return nil, err
	}
	a.client = client

	sampler := extractor.NewSampler(extractor.NewFFmpegDecoder(log), cfg.SamplerOptions(), log)

	cache, err := a.openCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	var fingerprints *embeddings.Service
	if cfg.Cache.MaxDistance > 0 {
		fingerprints = embeddings.NewService(cfg.Cache.Workers)
		a.closers = append(a.closers, fingerprints.Close)
		log.Warn("near-duplicate verdict matching enabled", "max_distance", cfg.Cache.MaxDistance)
	}

	a.processor = analyzer.NewProcessor(sampler, client, log,
		analyzer.WithFrameCount(cfg.Sampler.Frames),
		analyzer.WithCache(cache, fingerprints),
		analyzer.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) openCache(ctx context.Context) (storage.Cache, error) {
	switch {
	case a.cfg.Database.URL != "":
		pg, err := storage.NewPostgresCache(ctx, a.cfg.Database.URL, a.cfg.Cache.MaxDistance)
		if err != nil {
			return nil, fmt.Errorf("failed to open verdict cache: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.log.Info("verdict cache", "backend", "postgres")
		return pg, nil
	case a.cfg.Cache.File != "":
		fc, err := storage.NewFileCache(a.cfg.Cache.File, a.cfg.Cache.MaxDistance)
		if err != nil {
			return nil, fmt.Errorf("failed to open verdict cache: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := fc.Flush(); err != nil {
				a.log.Error("failed to flush verdict cache", "error", err)
			}
		})
		a.log.Info("verdict cache", "backend", "file", "path", a.cfg.Cache.File)
		return fc, nil
	default:
		return storage.NewMemoryCache(), nil
	}
}

func analyzeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	path := cmd.String("video")
	video := models.VideoSource{Path: path, Name: filepath.Base(path)}

	v, err := a.processor.Run(ctx, video, func(p models.Progress) {
		if p.Step != "" {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p.Percent, p.Step)
		}
	})
	if err != nil {
		return cli.Exit(models.UserMessage(err), 1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.client.Ping(ctx); err != nil {
		a.log.Warn("capability not reachable yet", "error", err, "model", a.client.Model())
	}

	addr := a.cfg.Server.Addr
	if s := cmd.String("addr"); s != "" {
		addr = s
	}

	srv := server.New(a.client, a.processor, a.client, a.metrics, a.log, server.Options{
		RateLimit:      a.cfg.Server.RateLimit,
		MaxUploadBytes: a.cfg.Server.MaxUploadMB << 20,
	})
	return srv.ListenAndServe(ctx, addr)
}
