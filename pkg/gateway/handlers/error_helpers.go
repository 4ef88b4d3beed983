package handlers

import (
	"net/http"

	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicebox/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apiErr, status := apierror.FromError(err, reqID)
	apierror.Write(w, status, apiErr)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *apierror.Error) {
	if apiErr.RequestID == "" {
		apiErr.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	apierror.Write(w, status, apiErr)
}

func draining(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, http.StatusServiceUnavailable, &apierror.Error{
		Type:    apierror.ErrOverloaded,
		Message: "server is draining",
		Code:    "draining",
	})
}
