package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"futuresbridge/pkg/utils"
)

// Recovery catches a panic in any handler, logs it with a stack trace,
// and returns 500 instead of taking the whole process down.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered",
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprintf("%v", err)),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
