package objectstore

import (
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"vodpipe/internal/errs"
)

// MediaHandler serves and accepts objects of a LocalGateway below
// MediaRoute. GET and HEAD honour PublicRead; PUT always requires a
// presigned upload URL.
func MediaHandler(g *LocalGateway, maxUploadBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, MediaRoute)
		finalKey, err := cleanKey(key)
		if err != nil {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}
		query := r.URL.Query()
		expires, signature := query.Get("expires"), query.Get("signature")

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			if signature != "" || !g.publicRead {
				if err := g.Verify(r.Method, finalKey, expires, signature); err != nil {
					http.Error(w, errs.PublicMessage(err), http.StatusForbidden)
					return
				}
			}
			target, err := g.Path(finalKey)
			if err != nil {
				http.Error(w, "invalid key", http.StatusBadRequest)
				return
			}
			file, err := os.Open(target)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			defer file.Close()
			info, err := file.Stat()
			if err != nil || info.IsDir() {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", ContentTypeFor(finalKey))
			http.ServeContent(w, r, path.Base(finalKey), info.ModTime(), file)
		case http.MethodPut:
			if err := g.Verify(r.Method, finalKey, expires, signature); err != nil {
				http.Error(w, errs.PublicMessage(err), http.StatusForbidden)
				return
			}
			body := io.Reader(r.Body)
			if maxUploadBytes > 0 {
				body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
			}
			data, err := io.ReadAll(body)
			if err != nil {
				http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			if _, err := g.Upload(r.Context(), finalKey, data, r.Header.Get("Content-Type"), nil); err != nil {
				http.Error(w, errs.PublicMessage(err), errs.HTTPStatus(errs.KindOf(err)))
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Allow", "GET, HEAD, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
