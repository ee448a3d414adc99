package middleware

import (
	"net/http"
	"runtime/debug"

	"livetutor/arbiter/internal/logger"
	apperr "livetutor/arbiter/internal/pkg/errors"
	httppkg "livetutor/arbiter/internal/pkg/http"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, v, debug.Stack())
				httppkg.WriteError(w, apperr.KindInternal, "internal server error, see server logs")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
