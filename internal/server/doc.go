// Package server is the HTTP/WebSocket surface for UI clients.
//
// Request/response operations (resolve, send, mark seen, unseen count)
// are plain REST endpoints. Live delivery runs over one websocket per
// client session at /api/ws: connecting marks the user online, an
// explicit offline frame signs them off, and a severed connection takes
// the disconnect path so the presence watchdog applies the pending
// offline transition. A single writer goroutine per socket preserves
// per-conversation append order end-to-end.
package server
