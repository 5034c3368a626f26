// Package client provides a Go client for the quillexec monitor API: it
// inspects and controls the executors a monitor server exposes, and can
// subscribe to live stats and lifecycle events over WebSocket.
package client
