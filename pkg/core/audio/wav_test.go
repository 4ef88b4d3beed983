package audio

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeWAVPreservesPCM(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x34, 0x12}

	wavBytes, err := EncodeWAV(pcm, DeviceFormat)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(wavBytes[:4]))
	assert.Equal(t, "WAVE", string(wavBytes[8:12]))

	got, f, err := DecodeWAVBytes(wavBytes)
	require.NoError(t, err)
	assert.Equal(t, DeviceFormat, f)
	assert.Equal(t, pcm, got)
}

func TestEncodeWAVRejectsNon16Bit(t *testing.T) {
	_, err := EncodeWAV([]byte{1, 2}, Format{SampleRate: 16000, Channels: 1, BitDepth: 8})
	require.ErrorIs(t, err, ErrUnsupportedBitDepth)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAVBytes([]byte("definitely not a wav file"))
	require.Error(t, err)
}

func TestFormatBytesPerSecond(t *testing.T) {
	assert.Equal(t, 32000, DeviceFormat.BytesPerSecond())
}

func TestRecorderSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r, err := NewRecorder(dir, DeviceFormat)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	path, err := r.Save("esp32/../kitchen", 3, []byte{1, 0, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "esp32_.._kitchen_20260304_050607_3.wav"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pcm, _, err := DecodeWAVBytes(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, pcm)
}

func TestRecorderListAndOpen(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, DeviceFormat)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	older, err := r.Save("kitchen", 1, []byte{1, 0})
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 8, 0, time.UTC) }
	newer, err := r.Save("kitchen", 2, []byte{1, 0, 2, 0})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0o755))

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, filepath.Base(newer), list[0].Name)
	assert.Equal(t, filepath.Base(older), list[1].Name)
	st, err := os.Stat(newer)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), list[0].Size)

	f, rec, err := r.Open(list[0].Name)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, b, int(rec.Size))
}

func TestRecorderOpenStaysInsideDir(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.wav"), []byte("RIFF"), 0o644))
	dir := filepath.Join(parent, "rec")
	r, err := NewRecorder(dir, DeviceFormat)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0o755))

	for _, name := range []string{
		"", "../secret.wav", "..%2fsecret.wav", "sub/../../secret.wav", `..\secret.wav`,
		"/etc/passwd", ".hidden.wav", "missing.wav", "sub.wav", "notes.txt",
	} {
		_, _, err := r.Open(name)
		assert.ErrorIs(t, err, ErrNoRecording, "name %q", name)
	}
}
