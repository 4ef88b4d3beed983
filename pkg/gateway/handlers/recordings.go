package handlers

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
)

// RecordingStore lists and opens saved utterances. *audio.Recorder implements it.
type RecordingStore interface {
	List() ([]audio.Recording, error)
	Open(name string) (*os.File, audio.Recording, error)
}

const recordingTimeLayout = "2006-01-02 15:04:05"

type recordingEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Created  string `json:"created"`
}

type recordingList struct {
	Files []recordingEntry `json:"files"`
	Count int              `json:"count"`
}

// RecordingListHandler serves GET /list.
type RecordingListHandler struct {
	Store  RecordingStore
	Logger *slog.Logger
}

func (h RecordingListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		recordingDisabled(w, r)
		return
	}
	recs, err := h.Store.List()
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list recordings failed", "error", err)
		}
		writeError(w, r, err)
		return
	}
	out := recordingList{Files: make([]recordingEntry, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		out.Files = append(out.Files, recordingEntry{
			Filename: rec.Name,
			Size:     rec.Size,
			Created:  rec.ModTime.Format(recordingTimeLayout),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordingFileHandler serves GET /files/{filename}. Only bare names of
// files inside the record directory resolve.
type RecordingFileHandler struct {
	Store RecordingStore
}

func (h RecordingFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		recordingDisabled(w, r)
		return
	}
	f, rec, err := h.Store.Open(r.PathValue("filename"))
	if errors.Is(err, audio.ErrNoRecording) {
		writeAPIError(w, r, http.StatusNotFound, &apierror.Error{
			Type:    apierror.ErrNotFound,
			Message: "recording not found",
			Code:    "recording_not_found",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	http.ServeContent(w, r, rec.Name, rec.ModTime, f)
}

func recordingDisabled(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, http.StatusNotFound, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "utterance recording is disabled",
		Code:    "recording_disabled",
	})
}
