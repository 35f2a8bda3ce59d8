package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quipufin/quipu/internal/api"
	"github.com/quipufin/quipu/internal/confirm"
	"github.com/quipufin/quipu/internal/ingest"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/monitoring"
	"github.com/quipufin/quipu/internal/pipeline"
	"github.com/quipufin/quipu/internal/queue"
	"github.com/quipufin/quipu/internal/realtime"
	telegrampkg "github.com/quipufin/quipu/pkg/telegram"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion channels, pipeline workers, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		registry := realtime.NewRegistry()
		mailbox := realtime.NewMailbox()
		pending := confirm.NewMemoryStore()
		qm := queue.NewManager(cfg.Queue)

		workflow := confirm.NewWorkflow(env.Store, pending, registry, mailbox, qm, confirmTTL())
		orch := pipeline.New(
			cfg.Pipeline, cfg.Extractor,
			env.Store, env.Extractor, env.Docs, env.Renderer,
			env.Vision, env.Classifier, env.Verifier,
			workflow, qm,
			pipeline.NewChatNotifier(registry, mailbox),
			&pipeline.AuditListener{},
		)

		qm.Register(model.QueueUpload, func(ctx context.Context, job model.Job) error {
			return orch.HandleUpload(ctx, job.(model.UploadJob))
		})
		qm.Register(model.QueueAnalysisPoll, func(ctx context.Context, job model.Job) error {
			return orch.HandlePoll(ctx, job.(model.AnalysisStatusPollJob))
		})
		qm.Register(model.QueueCompleted, func(ctx context.Context, job model.Job) error {
			return orch.HandleCompleted(ctx, job.(model.CompletedJob))
		})
		qm.Register(model.QueueConfirmationRequest, func(ctx context.Context, job model.Job) error {
			return workflow.HandleRequest(ctx, job.(model.ConfirmationRequestJob))
		})
		qm.Register(model.QueueConfirmationResponse, func(ctx context.Context, job model.Job) error {
			return workflow.HandleResponse(ctx, job.(model.ConfirmationResponseJob))
		})

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error { return qm.Run(ctx) })

		sweepInterval := time.Duration(cfg.Confirm.SweepIntervalMins) * time.Minute
		if sweepInterval <= 0 {
			sweepInterval = 10 * time.Minute
		}
		sweeper := confirm.NewSweeper(pending, sweepInterval)
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})

		if cfg.Telegram.Token != "" {
			tg := telegrampkg.NewClient(cfg.Telegram.Token)
			stream := ingest.NewTelegramStream(tg, env.Docs, qm, registry, mailbox, cfg.Telegram.PollTimeoutSecs)
			consumer := ingest.NewConsumer(stream, qm, cfg.Ingest.BatchSize,
				time.Duration(cfg.Telegram.PollDelayMS)*time.Millisecond,
				time.Duration(cfg.Telegram.ErrorDelayMS)*time.Millisecond)
			g.Go(func() error {
				consumer.Run(ctx)
				return nil
			})
			zap.L().Info("telegram ingestion enabled")
		} else {
			zap.L().Info("telegram token not set, telegram ingestion disabled")
		}

		if cfg.FTP.URL != "" {
			stream := ingest.NewFTPStream(cfg.FTP.URL, env.Docs, 30*time.Second)
			consumer := ingest.NewConsumer(stream, qm, cfg.Ingest.BatchSize,
				time.Duration(cfg.FTP.PollDelaySecs)*time.Second, 0)
			g.Go(func() error {
				consumer.Run(ctx)
				return nil
			})
			zap.L().Info("ftp ingestion enabled", zap.String("url", cfg.FTP.URL))
		}

		collector := monitoring.NewCollector(env.Store, qm, pending, mailbox)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(env.Store, env.Docs, qm, workflow, collector).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
