// Package speech wraps speech-to-text and text-to-speech behind the
// OpenAI-compatible audio endpoints, plus the local ffmpeg conversion
// WhatsApp voice notes need before transcription.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"voicesdr/pkg/config"
	"voicesdr/pkg/retry"
	"voicesdr/pkg/tempfiles"
)

// ErrTranscriptTooShort means transcription produced too little text to
// act on, usually an empty or noise-only voice note.
var ErrTranscriptTooShort = errors.New("transcript too short")

// Engine performs transcription, synthesis, and format conversion.
//
// Conversion shells out to ffmpeg and is gated by a weighted semaphore so
// a burst of voice notes cannot fork unbounded encoder processes.
type Engine struct {
	client        osdk.Client
	cfg           config.SpeechConfig
	temps         *tempfiles.Dir
	convertGate   *semaphore.Weighted
	convertBudget time.Duration
	log           *slog.Logger

	// Overridable for tests; defaults to the ffmpeg implementation.
	convert func(ctx context.Context, src string) (string, error)
}

// NewEngine builds the speech engine. API credentials are shared with the
// reasoning provider, so they come from the llm section.
func NewEngine(cfg config.SpeechConfig, creds config.LLMConfig, temps *tempfiles.Dir, log *slog.Logger) (*Engine, error) {
	apiKey := resolveAPIKey(creds.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("llm.api_key_env is required or OPENAI_API_KEY must be set")
	}
	if temps == nil {
		return nil, errors.New("temp dir is required")
	}
	if log == nil {
		log = slog.Default()
	}

	// Retries are owned by the pipeline's retry policy; the SDK's builtin
	// retries would multiply attempts.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := strings.TrimSpace(creds.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.RequestTimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second))
	}

	engine := &Engine{
		client:        osdk.NewClient(opts...),
		cfg:           cfg,
		temps:         temps,
		convertGate:   semaphore.NewWeighted(int64(cfg.MaxConcurrentConverts)),
		convertBudget: time.Duration(cfg.ConvertTimeoutSeconds) * time.Second,
		log:           log.With("component", "speech"),
	}
	engine.convert = engine.ffmpegConvert
	return engine, nil
}

// Transcribe converts the voice note at audioPath to mp3 and runs it
// through the transcription model. The converted file is cleaned up
// before returning. Transcripts shorter than the configured minimum fail
// with ErrTranscriptTooShort.
func (e *Engine) Transcribe(ctx context.Context, audioPath string) (string, error) {
	converted, err := e.convert(ctx, audioPath)
	if err != nil {
		return "", fmt.Errorf("convert audio: %w", err)
	}
	defer e.temps.SafeRemove(converted)

	file, err := os.Open(converted)
	if err != nil {
		return "", fmt.Errorf("open converted audio: %w", err)
	}
	defer file.Close()

	startedAt := time.Now()
	result, err := e.client.Audio.Transcriptions.New(ctx, osdk.AudioTranscriptionNewParams{
		Model:    osdk.AudioModel(e.cfg.STTModel),
		File:     file,
		Language: osdk.String(e.cfg.Language),
	})
	if err != nil {
		return "", classifyAPIError(fmt.Errorf("transcription request: %w", err))
	}

	text := strings.TrimSpace(result.Text)
	e.log.Info("Transcription completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"transcript_length", len(text),
	)

	if len([]rune(text)) < e.cfg.MinTranscriptLength {
		return "", fmt.Errorf("%w: %q", ErrTranscriptTooShort, text)
	}
	return text, nil
}

// Synthesize renders text as speech and returns the path of the mp3 file
// it wrote. The caller owns the file and removes it when done.
func (e *Engine) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("text is required")
	}

	startedAt := time.Now()
	resp, err := e.client.Audio.Speech.New(ctx, osdk.AudioSpeechNewParams{
		Model:          osdk.SpeechModel(e.cfg.TTSModel),
		Voice:          osdk.AudioSpeechNewParamsVoice(e.cfg.TTSVoice),
		Input:          text,
		ResponseFormat: osdk.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return "", classifyAPIError(fmt.Errorf("synthesis request: %w", err))
	}
	defer resp.Body.Close()

	dest := e.temps.NewPath("tts", ".mp3")
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create synthesis file: %w", err)
	}

	written, err := out.ReadFrom(resp.Body)
	closeErr := out.Close()
	if err != nil {
		e.temps.SafeRemove(dest)
		return "", retry.MarkTransient(fmt.Errorf("stream synthesis payload: %w", err))
	}
	if closeErr != nil {
		e.temps.SafeRemove(dest)
		return "", fmt.Errorf("finish synthesis file: %w", closeErr)
	}

	e.log.Info("Synthesis completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"bytes", written,
	)
	return dest, nil
}

// ffmpegConvert transcodes src into a fresh mp3 under the scratch dir.
func (e *Engine) ffmpegConvert(ctx context.Context, src string) (string, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, e.convertBudget)
	defer cancel()

	if err := e.convertGate.Acquire(acquireCtx, 1); err != nil {
		return "", retry.MarkTransient(fmt.Errorf("conversion queue full: %w", err))
	}
	defer e.convertGate.Release(1)

	dest := e.temps.NewPath("converted", ".mp3")

	runCtx, cancelRun := context.WithTimeout(ctx, e.convertBudget)
	defer cancelRun()

	cmd := exec.CommandContext(runCtx, "ffmpeg",
		"-y",
		"-i", src,
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-ac", "1",
		dest,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		e.temps.SafeRemove(dest)
		if runCtx.Err() != nil {
			return "", retry.MarkTransient(fmt.Errorf("ffmpeg timed out: %w", runCtx.Err()))
		}
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, tail(output, 300))
	}

	return dest, nil
}

func resolveAPIKey(apiKeyEnv string) string {
	if name := strings.TrimSpace(apiKeyEnv); name != "" {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

// classifyAPIError marks provider errors transient when another attempt
// can plausibly succeed: rate limits, server errors, network failures.
func classifyAPIError(err error) error {
	var apiErr *osdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return retry.MarkTransient(err)
		}
		return err
	}
	// No structured status means the request never completed.
	return retry.MarkTransient(err)
}

func tail(output []byte, limit int) string {
	text := strings.TrimSpace(string(output))
	if len(text) > limit {
		return "..." + text[len(text)-limit:]
	}
	return text
}
