package httpmw

import (
	"net/http"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/log"
	"github.com/keithlinneman/shopgate/internal/xerrors"
)

// Recover turns a panic in a request goroutine into a logged INTERNAL_ERROR
// response instead of taking the process down. Panics outside request scope
// still crash the process, which is the intended fail-fast behavior.
func Recover(L log.Logger, rnd *apperr.Renderer, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// client went away mid-write; not our bug
					panic(rec)
				}

				err := xerrors.Newf("panic: %v", rec)
				L.Error(r.Context(), err, "recovered panic in request handler",
					"method", r.Method,
					"path", r.URL.Path,
				)
				if onPanic != nil {
					onPanic()
				}

				// headers may already be gone; best effort
				if rnd != nil {
					rnd.Render(w, r, apperr.Wrap(err, apperr.KindInternal, "internal server error"))
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
