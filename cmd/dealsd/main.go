// Command dealsd serves ranked Amazon arbitrage deals built from Keepa data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/phenomenon0/dealscout/core"
	"github.com/phenomenon0/dealscout/pkg/api"
	"github.com/phenomenon0/dealscout/pkg/config"
	"github.com/phenomenon0/dealscout/pkg/digest"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/metrics"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
	"github.com/phenomenon0/dealscout/pkg/publish"
	"github.com/phenomenon0/dealscout/pkg/streaming"
	"github.com/phenomenon0/dealscout/tools/arbitrage"
)

var (
	envFile   = flag.String("env", ".env", "Optional dotenv file loaded before reading the environment")
	port      = flag.Int("port", 0, "HTTP port (overrides PORT)")
	logLevel  = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	schedule  = flag.String("digest", "", "Digest cron schedule (overrides DIGEST_SCHEDULE)")
	runDigest = flag.Bool("digest-now", false, "Run one digest at startup")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "dealsd: load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dealsd: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dealsd: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	if err := svc.run(ctx); err != nil {
		logger.Error("dealsd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func applyFlags(cfg *config.Config) error {
	if *port != 0 {
		if *port < 0 || *port > 65535 {
			return fmt.Errorf("-port out of range: %d", *port)
		}
		cfg.Port = *port
	}
	if *logLevel != "" {
		if _, err := config.ParseLevel(*logLevel); err != nil {
			return fmt.Errorf("-log-level: %w", err)
		}
		cfg.LogLevel = *logLevel
	}
	if *schedule != "" {
		cfg.DigestSchedule = *schedule
	}
	return nil
}

type dealService struct {
	cfg       *config.Config
	logger    *slog.Logger
	keepa     *keepa.Client
	orch      *pipeline.Orchestrator
	metrics   *metrics.DealMetrics
	streamHub *streaming.Hub
	tools     *core.ToolRegistry
	digest    *digest.Runner
	kafka     *publish.KafkaPublisher
}

func newService(cfg *config.Config, logger *slog.Logger) (*dealService, error) {
	s := &dealService{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		streamHub: streaming.NewHub(logger),
		tools:     core.NewToolRegistry(),
	}

	s.keepa = keepa.NewClient(cfg.KeepaAPIKey, append(cfg.KeepaOptions(), keepa.WithObserver(s.metrics))...)
	discoverer := pipeline.NewDiscoverer(s.keepa, cfg.DiscoveryConfig(), logger)
	s.orch = pipeline.NewOrchestrator(cfg.PipelineConfig(), s.keepa, discoverer, logger)

	s.streamHub.OnClientsChanged(s.metrics.SetStreamClients)
	s.streamHub.OnBroadcast(s.metrics.RecordBroadcast)

	s.orch.OnStageComplete(func(r *pipeline.StageResult) {
		s.metrics.RecordStage(r)
		logger.Debug("stage complete",
			"run_id", r.RunID,
			"stage", r.Stage,
			"success", r.Success,
			"duration", r.Duration)
		if r.Success {
			return
		}
		if r.Stage != pipeline.StageScoreOne {
			s.metrics.RecordPipelineError()
		}
		s.streamHub.BroadcastError(errors.New(r.Error), string(r.Stage))
	})
	s.orch.OnReport(func(r *pipeline.Report) {
		s.metrics.RecordReport(r)
		s.streamHub.BroadcastReport(r)
	})

	arbitrage.RegisterDealTools(s.tools, s.orch)

	if cfg.DigestSchedule != "" {
		sinks := []publish.Publisher{publish.NewStreamPublisher(s.streamHub)}
		if len(cfg.KafkaBrokers) > 0 {
			s.kafka = publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			sinks = append(sinks, s.kafka)
		}
		fanout := publish.NewFanout(sinks...)
		fanout.OnResult(func(r publish.Result) {
			status := "ok"
			if r.Err != nil {
				status = "error"
			}
			s.metrics.RecordPublish(r.Sink, status)
		})

		runner, err := digest.NewRunner(digest.DefaultConfig(cfg.DigestSchedule), s.orch, fanout, logger)
		if err != nil {
			return nil, err
		}
		runner.OnRun(func(r digest.RunResult) {
			s.metrics.RecordDigest(r.Status)
			if r.Err != nil {
				s.streamHub.BroadcastError(r.Err, "digest")
			}
		})
		s.digest = runner
	}

	return s, nil
}

func (s *dealService) run(ctx context.Context) error {
	go s.streamHub.Run(ctx)

	// Stop the digest before closing its kafka writer.
	if s.kafka != nil {
		defer func() {
			if err := s.kafka.Close(); err != nil {
				s.logger.Warn("kafka close failed", "error", err)
			}
		}()
	}
	if s.digest != nil {
		if err := s.digest.Start(ctx); err != nil {
			return err
		}
		defer s.digest.Stop()
		if *runDigest {
			go s.digest.RunOnce(ctx)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(s.orch, s.cfg.ActionAPIKey, s.logger,
		api.WithMetrics(s.metrics, s.metrics.Registry()),
		api.WithStream(s.streamHub.ServeWS),
		api.WithTools(s.tools),
	).NewHTTPServer(s.cfg.Addr())

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening",
			"addr", server.Addr,
			"keepa_domain", s.cfg.KeepaDomain,
			"digest", s.cfg.DigestSchedule,
			"fallback_candidates", s.cfg.AllowFallbackCandidates)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	s.logger.Info("final state", "keepa_tokens_left", s.keepa.TokensLeft())
	return nil
}
