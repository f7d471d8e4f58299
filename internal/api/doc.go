// Package api hosts the HTTP handlers of the video pipeline.
//
// Handlers translate requests into intake and playlist operations and map
// tagged errors onto status codes. They assume the middleware chain from
// internal/server has already attached the caller's identity when a valid
// bearer token was presented; endpoints that need an owner check it
// themselves.
package api
