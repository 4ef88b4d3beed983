// Package pipeline turns one recorded utterance into a spoken reply.
//
// A run is transcription, memory load, dialogue, memory append of the
// human+assistant pair, then synthesis. Memory is written before synthesis so
// the stored conversation reflects what the model said even if the audio
// never reaches the device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

// Transcriber converts device PCM to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer converts reply text to device PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// DialogueModel produces the assistant reply for input given prior history.
type DialogueModel interface {
	Respond(ctx context.Context, history memory.History, input string) (string, error)
}

// Runner is anything that can serve a device turn.
type Runner interface {
	Run(ctx context.Context, sessionID string, audio []byte) (Result, error)
}

// Stage names a pipeline step for error reporting and metrics.
type Stage string

const (
	StageTranscribe Stage = "asr"
	StageMemory     Stage = "memory"
	StageDialogue   Stage = "dialogue"
	StageSynthesize Stage = "tts"
)

// ErrEmptyTranscript aborts a turn whose audio transcribed to nothing.
var ErrEmptyTranscript = errors.New("empty transcript")

// ErrEmptyAudio is returned when Run is called without audio.
var ErrEmptyAudio = errors.New("empty audio")

// StageError reports which step aborted a turn.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing stage of err, or "" if err is not a StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Result is a completed turn.
type Result struct {
	Transcript string
	ReplyText  string
	ReplyAudio []byte
	// History is the conversation the model saw plus this turn's pair.
	History memory.History
	Timings map[Stage]time.Duration
}

// Observer receives per-stage latencies. Metrics implements it.
type Observer interface {
	ObserveStage(stage Stage, d time.Duration, err error)
}

// Dependencies wires an Orchestrator.
type Dependencies struct {
	Transcriber Transcriber
	Dialogue    DialogueModel
	Synthesizer Synthesizer
	Memory      memory.Store
	Logger      *slog.Logger
	Observer    Observer
	// StageTimeout bounds each collaborator call. Zero means no deadline.
	StageTimeout time.Duration
	Now          func() time.Time
}

// Orchestrator sequences the collaborators for one utterance.
type Orchestrator struct {
	deps Dependencies
}

var _ Runner = (*Orchestrator)(nil)

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Transcriber == nil {
		return nil, errors.New("pipeline: transcriber is required")
	}
	if deps.Dialogue == nil {
		return nil, errors.New("pipeline: dialogue model is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}
	if deps.Memory == nil {
		return nil, errors.New("pipeline: memory store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}, nil
}

// Run executes a full voice turn. audio must not be modified while Run is in progress.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, &StageError{Stage: StageTranscribe, Err: ErrEmptyAudio}
	}
	res := Result{Timings: make(map[Stage]time.Duration, 4)}

	var transcript string
	err := o.stage(ctx, StageTranscribe, res.Timings, func(ctx context.Context) error {
		text, err := o.deps.Transcriber.Transcribe(ctx, audio)
		if err != nil {
			return err
		}
		transcript = strings.TrimSpace(text)
		if transcript == "" {
			return ErrEmptyTranscript
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Transcript = transcript

	reply, history, err := o.converse(ctx, sessionID, transcript, res.Timings)
	if err != nil {
		return res, err
	}
	res.ReplyText = reply
	res.History = history

	err = o.stage(ctx, StageSynthesize, res.Timings, func(ctx context.Context) error {
		pcm, err := o.deps.Synthesizer.Synthesize(ctx, reply)
		if err != nil {
			return err
		}
		res.ReplyAudio = pcm
		return nil
	})
	if err != nil {
		return res, err
	}
	o.deps.Logger.Debug("pipeline turn complete",
		"session_id", sessionID,
		"audio_in_bytes", len(audio),
		"audio_out_bytes", len(res.ReplyAudio),
		"transcript_chars", len(res.Transcript),
		"reply_chars", len(res.ReplyText),
	)
	return res, nil
}

// Chat runs the text-only part of a turn: memory load, dialogue and memory
// append. The returned history is the one the reply was generated from plus
// the new pair, so concurrent turns on the same session never leak into it.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, input string) (string, memory.History, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil, &StageError{Stage: StageDialogue, Err: errors.New("empty input")}
	}
	return o.converse(ctx, sessionID, input, make(map[Stage]time.Duration, 2))
}

func (o *Orchestrator) converse(ctx context.Context, sessionID, input string, timings map[Stage]time.Duration) (string, memory.History, error) {
	var history memory.History
	err := o.stage(ctx, StageMemory, timings, func(ctx context.Context) error {
		h, err := o.deps.Memory.Load(ctx, sessionID)
		history = h
		return err
	})
	if err != nil {
		return "", nil, err
	}

	var reply string
	err = o.stage(ctx, StageDialogue, timings, func(ctx context.Context) error {
		text, err := o.deps.Dialogue.Respond(ctx, history, input)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(text)
		if reply == "" {
			return errors.New("empty reply")
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	pair := memory.Pair(input, reply, o.deps.Now())
	start := time.Now()
	appendErr := o.withTimeout(ctx, func(ctx context.Context) error {
		return o.deps.Memory.Append(ctx, sessionID, pair...)
	})
	timings[StageMemory] += time.Since(start)
	o.observe(StageMemory, time.Since(start), appendErr)
	if appendErr != nil {
		return "", nil, &StageError{Stage: StageMemory, Err: appendErr}
	}
	out := make(memory.History, 0, len(history)+len(pair))
	out = append(append(out, history...), pair...)
	return reply, out, nil
}

func (o *Orchestrator) stage(ctx context.Context, stage Stage, timings map[Stage]time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := o.withTimeout(ctx, fn)
	elapsed := time.Since(start)
	timings[stage] += elapsed
	o.observe(stage, elapsed, err)
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if o.deps.StageTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.deps.StageTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) observe(stage Stage, d time.Duration, err error) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveStage(stage, d, err)
	}
}
