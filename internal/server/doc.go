// Package server exposes the video API, metrics and local media behind a
// single HTTP server.
//
// Every request passes the same middleware chain: request ids, access
// logging, CORS, security headers, metrics, bearer authentication and rate
// limiting, in that order.
package server
