// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Multipart field carrying the page image
	UploadField = "file"

	// Extra room for multipart framing on top of the image limit
	MultipartOverhead = 1 << 20

	// Bound on a single websocket write so a stalled browser can't pin a goroutine
	EventWriteTimeout = 5 * time.Second

	// PATCH bodies are tiny; anything larger is a client bug
	MaxPatchBody = 64 << 10
)
