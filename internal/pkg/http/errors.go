package http

import (
	"net/http"

	apperr "livetutor/arbiter/internal/pkg/errors"
	jsonpkg "livetutor/arbiter/internal/pkg/json"
)

// WriteError writes {"error":{"kind":...,"message":...}} with a status derived from kind.
func WriteError(w http.ResponseWriter, kind apperr.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	encoded, _ := jsonpkg.MarshalString(msg)
	_, _ = w.Write([]byte(`{"error":{"kind":"` + string(kind) + `","message":` + encoded + `}}`))
}
