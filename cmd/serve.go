package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicesdr/pkg/brain"
	"voicesdr/pkg/config"
	"voicesdr/pkg/evolution"
	"voicesdr/pkg/logger"
	"voicesdr/pkg/memory"
	"voicesdr/pkg/metrics"
	"voicesdr/pkg/notify"
	"voicesdr/pkg/pipeline"
	"voicesdr/pkg/retry"
	"voicesdr/pkg/server"
	"voicesdr/pkg/speech"
	"voicesdr/pkg/tempfiles"

	"github.com/spf13/cobra"
)

// orphanSweepAge bounds how old a scratch file can be before the startup
// sweep removes it. Anything this old belongs to a previous process.
const orphanSweepAge = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and reply pipeline",
	Long:  "Starts the HTTP webhook surface and the asynchronous pipeline that turns inbound WhatsApp voice notes into spoken replies.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(runCtx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Server runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	temps, err := tempfiles.New(cfg.Pipeline.TempDir, log)
	if err != nil {
		return fmt.Errorf("prepare temp dir: %w", err)
	}
	if removed := temps.Sweep(orphanSweepAge); removed > 0 {
		log.Info("Removed orphaned temp files from previous run", "count", removed)
	}

	counters := metrics.New()
	notifier := notify.New(cfg.Notifications, log)
	mem := memory.Load(cfg.Pipeline.MemoryPath, cfg.Pipeline.MemoryWindowTurns, log)

	policy := retry.Policy{
		MaxRetries:    cfg.Pipeline.MaxRetries,
		BaseDelay:     time.Duration(cfg.Pipeline.RetryBaseDelaySeconds * float64(time.Second)),
		MaxDelay:      time.Duration(cfg.Pipeline.RetryMaxDelaySeconds * float64(time.Second)),
		BackoffFactor: cfg.Pipeline.RetryBackoffFactor,
	}

	gateway := evolution.NewClient(cfg.Gateway, log)

	speechEngine, err := speech.NewEngine(cfg.Speech, cfg.LLM, temps, log)
	if err != nil {
		return fmt.Errorf("initialize speech engine: %w", err)
	}

	reasoner, err := brain.New(cfg.LLM, cfg.Bot.Persona, mem, policy, log)
	if err != nil {
		return fmt.Errorf("initialize reasoning layer: %w", err)
	}

	pipe := pipeline.New(gateway, speechEngine, reasoner, notifier, temps, counters, pipeline.Options{
		RespondWithAudio: cfg.Bot.ResponseModality != "text",
		CalendarLink:     cfg.Bot.CalendarLink,
		MinTextLength:    cfg.Speech.MinTranscriptLength,
		RetryPolicy:      policy,
	}, log)
	runner := pipeline.NewRunner(pipe, log)

	srv := server.New(cfg, runner, gateway, reasoner, counters, temps, log)

	log.Info("VoiceSDR starting",
		"instance", cfg.Gateway.InstanceName,
		"primary_model", cfg.LLM.PrimaryModel,
		"fallback_model", cfg.LLM.FallbackModel,
		"response_modality", cfg.Bot.ResponseModality,
	)

	serverErr := srv.Start(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		log.Warn("Timed out waiting for in-flight pipeline runs", "error", err)
	}

	snap := counters.Snapshot()
	log.Info("VoiceSDR stopped",
		"total_received", snap.TotalReceived,
		"audio_processed", snap.AudioProcessed,
		"responses_sent", snap.ResponsesSent,
		"degraded", snap.Degraded,
		"ignored", snap.Ignored,
		"errors", snap.Errors,
	)

	return serverErr
}
