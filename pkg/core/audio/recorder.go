package audio

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Recorder saves submitted utterances as WAV files for offline inspection.
type Recorder struct {
	dir    string
	format Format
	now    func() time.Time
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string, f Format) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir, format: f, now: time.Now}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Save writes pcm as <client>_<YYYYmmdd_HHMMSS>_<turn>.wav and returns the path.
func (r *Recorder) Save(clientID string, turn int, pcm []byte) (string, error) {
	b, err := EncodeWAV(pcm, r.format)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s_%d.wav", unsafeName.ReplaceAllString(clientID, "_"), r.now().Format("20060102_150405"), turn)
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}

// ErrNoRecording is returned for names that do not resolve to a saved
// recording inside the record directory.
var ErrNoRecording = errors.New("recording not found")

// Recording describes one saved utterance.
type Recording struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// List returns the saved recordings, newest first.
func (r *Recorder) List() ([]Recording, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read record dir: %w", err)
	}
	out := make([]Recording, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !recordingName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed since ReadDir
			continue
		}
		out = append(out, Recording{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	slices.SortFunc(out, func(a, b Recording) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Open returns a saved recording by its bare file name. The caller closes
// the file.
func (r *Recorder) Open(name string) (*os.File, Recording, error) {
	if !recordingName(name) {
		return nil, Recording{}, ErrNoRecording
	}
	f, err := os.OpenInRoot(r.dir, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Recording{}, ErrNoRecording
		}
		return nil, Recording{}, fmt.Errorf("open recording: %w", err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, Recording{}, ErrNoRecording
	}
	return f, Recording{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func recordingName(name string) bool {
	return strings.HasSuffix(name, ".wav") &&
		!strings.HasPrefix(name, ".") &&
		!strings.ContainsAny(name, `/\`) &&
		filepath.Base(name) == name
}
