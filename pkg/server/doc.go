// Package server exposes the pipeline over HTTP and WebSocket.
//
// Routes:
//
//	POST /ask                                 aggregate response
//	POST /ask_stream                          NDJSON, or SSE with Accept: text/event-stream
//	GET  /ws                                  one run per request message
//	GET  /                                    liveness
//	GET  /health                              readiness, 503 when the backend is down
//	GET  /sessions/{user_id}/{session_id}     session history
//	GET  /metrics                             Prometheus
package server
