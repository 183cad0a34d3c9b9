package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tonk/lesionseg"
	"github.com/tonk/lesionseg/internal/server"
	"github.com/tonk/lesionseg/pkg/insights"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger.Info("starting lesionseg server",
				zap.String("version", lesionseg.Version),
				zap.String("git_commit", GitCommit),
				zap.String("build_time", BuildTime))

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			seg, err := buildSegmenter(cfg, logger)
			if err != nil {
				return err
			}

			deps := server.Deps{
				Segmenter: seg,
				Logger:    logger,
				Build: server.BuildInfo{
					Version:   lesionseg.Version,
					GitCommit: GitCommit,
					BuildTime: BuildTime,
				},
			}

			clf, err := buildClassifier(cfg)
			if err != nil {
				return err
			}
			if clf != nil {
				defer clf.Close()
				deps.Classifier = clf
				logger.Info("classifier loaded", zap.String("model", cfg.Classifier.ModelPath))
			}

			text, err := buildTextClient(cfg, logger)
			if err != nil {
				return err
			}
			if text != nil {
				deps.Insights = insights.NewAnalyzer(text)
				logger.Info("language model configured",
					zap.String("provider", cfg.LLM.Provider),
					zap.String("model", cfg.LLM.Model))
			}

			deps.Cache = buildCache(runCtx, cfg, logger)
			defer deps.Cache.Close()

			srv, err := server.New(server.Options{
				Mode:            cfg.Server.Mode,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				MaxBodyBytes:    cfg.Server.MaxBodyBytes,
				AllowedOrigins:  cfg.Server.AllowedOrigins,
				MaxConcurrent:   cfg.Server.MaxConcurrent,
				QueueTimeout:    cfg.Server.QueueTimeout,
			}, deps)
			if err != nil {
				return err
			}

			if err := srv.Run(runCtx, cfg.Server.Addr); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
