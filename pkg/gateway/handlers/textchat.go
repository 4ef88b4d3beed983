package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicebox/pkg/gateway/mw"
)

const defaultChatUser = "default_user"

// ChatService runs text turns against the same memory as voice sessions.
// It returns the reply and the conversation as of that turn.
type ChatService interface {
	Chat(ctx context.Context, sessionID, input string) (string, memory.History, error)
}

type textChatRequest struct {
	UserInput string `json:"user_input"`
	UserID    string `json:"user_id"`
	// ChatHistory is accepted for client compatibility; stored memory is
	// authoritative.
	ChatHistory string `json:"chat_history"`
}

const statusSuccess = "success"

type textChatResponse struct {
	Status         string `json:"status"`
	AIResponse     string `json:"ai_response"`
	NewChatHistory string `json:"new_chat_history"`
	UserID         string `json:"user_id"`
}

// TextChatHandler serves POST /api/text_chat.
type TextChatHandler struct {
	Chat         ChatService
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h TextChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}

	var req textChatRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, err)
			return
		}
		if errors.Is(err, io.EOF) {
			writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("request body is required", ""))
			return
		}
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("invalid JSON body", ""))
		return
	}

	input := strings.TrimSpace(req.UserInput)
	if input == "" {
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("user_input is required", "user_input"))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = defaultChatUser
	}
	if len(userID) > maxClientIDLen {
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("user_id must be at most 128 characters", "user_id"))
		return
	}

	reply, history, err := h.Chat.Chat(r.Context(), userID, input)
	if err != nil {
		logTurnFailure(h.Logger, r, "text chat failed", userID, err)
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, textChatResponse{
		Status:         statusSuccess,
		AIResponse:     reply,
		NewChatHistory: history.Format(),
		UserID:         userID,
	})
}

func logTurnFailure(logger *slog.Logger, r *http.Request, msg, userID string, err error) {
	if logger == nil {
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger.Warn(msg, "request_id", reqID, "user_id", userID, "error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
