package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
)

// Loopback answers every utterance with the same prerecorded clip. It is
// used to test device playback without any speech services.
type Loopback struct {
	pcm []byte
}

var _ Runner = (*Loopback)(nil)

// NewLoopback serves pcm verbatim.
func NewLoopback(pcm []byte) *Loopback { return &Loopback{pcm: pcm} }

// LoadLoopback reads a WAV file that must already match want.
func LoadLoopback(path string, want audio.Format) (*Loopback, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open loopback wav: %w", err)
	}
	defer f.Close()
	pcm, got, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("decode loopback wav: %w", err)
	}
	if got != want {
		return nil, fmt.Errorf("loopback wav is %s, device expects %s", got, want)
	}
	return NewLoopback(pcm), nil
}

func (l *Loopback) Run(_ context.Context, _ string, utterance []byte) (Result, error) {
	if len(utterance) == 0 {
		return Result{}, &StageError{Stage: StageTranscribe, Err: ErrEmptyAudio}
	}
	return Result{ReplyAudio: l.pcm}, nil
}
