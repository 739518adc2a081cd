package restapi

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Compression gzip-encodes responses for clients that advertise support,
// the outermost-but-one stage of the middleware chain (inside CORS).
func Compression() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped, err := gzhttp.NewWrapper()
		if err != nil {
			return next
		}
		return wrapped(next)
	}
}
