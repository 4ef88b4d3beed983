package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
)

type voiceChatResponse struct {
	Status         string `json:"status"`
	Transcript     string `json:"transcript"`
	AIResponse     string `json:"ai_response"`
	NewChatHistory string `json:"new_chat_history"`
	AudioBase64    string `json:"audio_data_base64"`
	MIMEType       string `json:"mimetype"`
	UserID         string `json:"user_id"`
}

// VoiceChatHandler serves POST /api/voice_chat. The body is one utterance,
// either raw s16le PCM in Format or a WAV file in Format. The reply audio
// comes back as base64 WAV.
type VoiceChatHandler struct {
	Runner       pipeline.Runner
	Format       audio.Format
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h VoiceChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, err)
			return
		}
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("could not read request body", ""))
		return
	}
	if len(body) == 0 {
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("audio body is required", ""))
		return
	}

	pcm, apiErr := h.decode(body)
	if apiErr != nil {
		writeAPIError(w, r, http.StatusBadRequest, apiErr)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = defaultChatUser
	}
	if len(userID) > maxClientIDLen {
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("user_id must be at most 128 characters", "user_id"))
		return
	}

	res, err := h.Runner.Run(r.Context(), userID, pcm)
	if err != nil {
		logTurnFailure(h.Logger, r, "voice chat failed", userID, err)
		writeError(w, r, err)
		return
	}
	reply, err := audio.EncodeWAV(res.ReplyAudio, h.Format)
	if err != nil {
		logTurnFailure(h.Logger, r, "voice chat reply encoding failed", userID, err)
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, voiceChatResponse{
		Status:         statusSuccess,
		Transcript:     res.Transcript,
		AIResponse:     res.ReplyText,
		NewChatHistory: res.History.Format(),
		AudioBase64:    base64.StdEncoding.EncodeToString(reply),
		MIMEType:       "audio/wav",
		UserID:         userID,
	})
}

func (h VoiceChatHandler) decode(body []byte) ([]byte, *apierror.Error) {
	if !bytes.HasPrefix(body, []byte("RIFF")) {
		if len(body)%2 != 0 {
			return nil, apierror.InvalidRequest("raw audio must be 16-bit PCM", "")
		}
		return body, nil
	}
	pcm, f, err := audio.DecodeWAVBytes(body)
	if err != nil {
		return nil, apierror.InvalidRequest("invalid WAV body", "")
	}
	if f != h.Format {
		return nil, apierror.InvalidRequest(fmt.Sprintf("WAV must be %s, got %s", h.Format, f), "")
	}
	return pcm, nil
}
