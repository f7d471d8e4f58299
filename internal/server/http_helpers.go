package server

import (
	"net/http"

	"vodpipe/internal/api"
)

// writeMiddlewareError keeps middleware rejections in the API's JSON shape.
func writeMiddlewareError(w http.ResponseWriter, err error) {
	api.WriteError(w, err)
}
