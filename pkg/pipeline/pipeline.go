// Package pipeline drives one inbound message through acquisition,
// interpretation, reasoning, synthesis, and delivery. Every stage has a
// defined degradation path so a lead always gets some answer while the
// session stays alive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicesdr/pkg/intent"
	"voicesdr/pkg/metrics"
	"voicesdr/pkg/notify"
	"voicesdr/pkg/retry"
	"voicesdr/pkg/speech"
	"voicesdr/pkg/tempfiles"
	"voicesdr/pkg/webhook"
)

// Stage identifies where in the pipeline a message currently is.
type Stage string

const (
	StageReceived     Stage = "received"
	StageAcquiring    Stage = "acquiring"
	StageInterpreting Stage = "interpreting"
	StageReasoning    Stage = "reasoning"
	StageSynthesizing Stage = "synthesizing"
	StageDelivering   Stage = "delivering"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Canned replies for degraded runs. All Portuguese, matching the persona.
const (
	replyCannotHear       = "Oi, não consegui te ouvir direito. Pode mandar de novo?"
	replyCannotUnderstand = "Oi, não consegui entender direito. Pode repetir?"
	replyApologyAudio     = "Oi! Tive um problema técnico. Pode repetir o áudio?"
	replyApologyText      = "Oi! Tive um problema técnico. Pode repetir a mensagem?"
)

// Gateway is the outbound side of the WhatsApp connection.
type Gateway interface {
	DownloadAudio(ctx context.Context, msg *webhook.NormalizedMessage, dest string) error
	SendAudio(ctx context.Context, number string, audioPath string, quotedID string) error
	SendText(ctx context.Context, number string, text string, quotedID string) error
}

// Speech converts between audio files and text.
type Speech interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Synthesize(ctx context.Context, text string) (string, error)
}

// Reasoner generates replies and owns conversation memory.
type Reasoner interface {
	Reply(ctx context.Context, senderID string, userText string) (string, error)
	RecordAssistant(senderID string, reply string)
}

// Result summarizes one finished run.
type Result struct {
	Stage       Stage
	Degraded    bool
	Reply       string
	DeliveredAs webhook.Modality
	Err         error
}

// Options tunes pipeline behavior.
type Options struct {
	// RespondWithAudio selects voice-note replies; text replies otherwise.
	RespondWithAudio bool
	// CalendarLink lands in scheduling responses.
	CalendarLink string
	// MinTextLength mirrors the transcript minimum for typed messages.
	MinTextLength int
	// RetryPolicy applies to gateway and speech calls.
	RetryPolicy retry.Policy
}

// Pipeline processes messages. Safe for concurrent use.
type Pipeline struct {
	gateway  Gateway
	speech   Speech
	reasoner Reasoner
	notifier notify.Notifier
	temps    *tempfiles.Dir
	counters *metrics.Counters
	opts     Options
	log      *slog.Logger
}

// New wires a pipeline from its collaborators.
func New(gateway Gateway, sp Speech, reasoner Reasoner, notifier notify.Notifier, temps *tempfiles.Dir, counters *metrics.Counters, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = 2
	}
	return &Pipeline{
		gateway:  gateway,
		speech:   sp,
		reasoner: reasoner,
		notifier: notifier,
		temps:    temps,
		counters: counters,
		opts:     opts,
		log:      log.With("component", "pipeline"),
	}
}

// Process runs one message through every stage and reports the outcome.
//
// Interpretation and reasoning failures degrade to canned replies;
// synthesis failures degrade to text delivery. Only acquisition and
// delivery failures are terminal, and both raise an operator alert.
func (p *Pipeline) Process(ctx context.Context, msg *webhook.NormalizedMessage) Result {
	log := p.log.With("sender_id", msg.SenderID, "message_id", msg.MessageID)
	startedAt := time.Now()

	text, shortCircuit := p.interpret(ctx, msg, log)
	if shortCircuit != nil {
		return p.finish(*shortCircuit, msg, log, startedAt)
	}

	reply, degraded := p.reason(ctx, msg, text, log)
	run := Result{Stage: StageReceived, Reply: reply, Degraded: degraded}

	return p.finish(p.deliver(ctx, msg, &run, log), msg, log, startedAt)
}

// interpret yields the user's text: the message body for typed messages,
// a transcript for voice notes. A non-nil Result short-circuits the run,
// either a terminal failure or a degraded canned reply already delivered.
func (p *Pipeline) interpret(ctx context.Context, msg *webhook.NormalizedMessage, log *slog.Logger) (string, *Result) {
	if msg.Modality == webhook.ModalityText {
		if len([]rune(msg.Text)) < p.opts.MinTextLength {
			result := p.deliverCanned(ctx, msg, replyCannotUnderstand, log)
			return "", &result
		}
		return msg.Text, nil
	}

	audioPath := p.temps.NewPath("inbound", ".ogg")
	defer p.temps.SafeRemove(audioPath)

	_, err := retry.Do(ctx, p.opts.RetryPolicy, "download_audio", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.gateway.DownloadAudio(ctx, msg, audioPath)
	})
	if err != nil {
		log.Error("Audio acquisition failed", "error", err)
		p.notifier.NotifyError(fmt.Errorf("audio acquisition failed: %w", err), map[string]string{
			"sender_id":  msg.SenderID,
			"message_id": msg.MessageID,
			"stage":      string(StageAcquiring),
		})
		return "", &Result{Stage: StageFailed, Err: err}
	}

	transcript, err := retry.Do(ctx, p.opts.RetryPolicy, "transcribe", func(ctx context.Context) (string, error) {
		return p.speech.Transcribe(ctx, audioPath)
	})
	if err != nil {
		if errors.Is(err, speech.ErrTranscriptTooShort) {
			log.Info("Transcript too short, asking lead to resend")
		} else {
			log.Error("Transcription failed, degrading to canned reply", "error", err)
		}
		result := p.deliverCanned(ctx, msg, replyCannotHear, log)
		return "", &result
	}

	p.counters.IncAudioProcessed()
	log.Info("Voice note transcribed", "transcript_length", len(transcript))
	return transcript, nil
}

// reason produces the reply text. Off-topic and scheduling messages get
// canned responses without touching the model; a model failure degrades
// to an apology matching the inbound modality.
func (p *Pipeline) reason(ctx context.Context, msg *webhook.NormalizedMessage, text string, log *slog.Logger) (reply string, degraded bool) {
	if intent.IsOffTopic(text) {
		reply := intent.RefusalResponse()
		p.reasoner.RecordAssistant(msg.SenderID, reply)
		log.Info("Off-topic message, sending refusal")
		return reply, false
	}

	if intent.HasSchedulingIntent(text) {
		reply := intent.SchedulingResponse(p.opts.CalendarLink)
		p.reasoner.RecordAssistant(msg.SenderID, reply)
		log.Info("Scheduling intent detected, sending calendar link")
		return reply, false
	}

	reply, err := p.reasoner.Reply(ctx, msg.SenderID, text)
	if err != nil {
		log.Error("Reasoning failed, degrading to apology", "error", err)
		p.notifier.Alert("Reasoning failed for inbound message", notify.SeverityError, map[string]string{
			"sender_id": msg.SenderID,
			"stage":     string(StageReasoning),
			"error":     err.Error(),
		})

		apology := replyApologyText
		if msg.Modality == webhook.ModalityAudio {
			apology = replyApologyAudio
		}
		return apology, true
	}

	return reply, false
}

// deliver sends run.Reply back to the sender. Voice replies that fail to
// synthesize fall back to text; a delivery failure is terminal.
func (p *Pipeline) deliver(ctx context.Context, msg *webhook.NormalizedMessage, run *Result, log *slog.Logger) Result {
	deliverAs := webhook.ModalityText

	if p.opts.RespondWithAudio {
		audioPath, err := retry.Do(ctx, p.opts.RetryPolicy, "synthesize", func(ctx context.Context) (string, error) {
			return p.speech.Synthesize(ctx, run.Reply)
		})
		if err != nil {
			log.Warn("Synthesis failed, falling back to text delivery", "error", err)
			run.Degraded = true
		} else {
			defer p.temps.SafeRemove(audioPath)

			_, sendErr := retry.Do(ctx, p.opts.RetryPolicy, "send_audio", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, p.gateway.SendAudio(ctx, msg.SenderID, audioPath, msg.MessageID)
			})
			if sendErr != nil {
				return p.deliveryFailure(msg, sendErr, log)
			}
			deliverAs = webhook.ModalityAudio
		}
	}

	if deliverAs == webhook.ModalityText {
		_, err := retry.Do(ctx, p.opts.RetryPolicy, "send_text", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.gateway.SendText(ctx, msg.SenderID, run.Reply, msg.MessageID)
		})
		if err != nil {
			return p.deliveryFailure(msg, err, log)
		}
	}

	return Result{
		Stage:       StageCompleted,
		Degraded:    run.Degraded,
		Reply:       run.Reply,
		DeliveredAs: deliverAs,
	}
}

// deliverCanned short-circuits the run with a canned reply through the
// normal delivery path. The outcome is degraded but successful.
func (p *Pipeline) deliverCanned(ctx context.Context, msg *webhook.NormalizedMessage, reply string, log *slog.Logger) Result {
	run := Result{Reply: reply, Degraded: true}
	return p.deliver(ctx, msg, &run, log)
}

func (p *Pipeline) deliveryFailure(msg *webhook.NormalizedMessage, err error, log *slog.Logger) Result {
	log.Error("Delivery failed", "error", err)
	p.notifier.NotifyError(fmt.Errorf("reply delivery failed: %w", err), map[string]string{
		"sender_id":  msg.SenderID,
		"message_id": msg.MessageID,
		"stage":      string(StageDelivering),
	})
	return Result{Stage: StageFailed, Err: err}
}

func (p *Pipeline) finish(result Result, msg *webhook.NormalizedMessage, log *slog.Logger, startedAt time.Time) Result {
	switch result.Stage {
	case StageCompleted:
		p.counters.IncResponsesSent()
		if result.Degraded {
			p.counters.IncDegraded()
		}
		log.Info("Pipeline completed",
			"degraded", result.Degraded,
			"delivered_as", string(result.DeliveredAs),
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	case StageFailed:
		p.counters.IncErrors()
		log.Error("Pipeline failed",
			"error", result.Err,
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	}
	return result
}
