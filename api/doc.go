// Package api describes the CommandFlow wire surface.
//
// # HTTP
//
//	POST /api/command             execute a command
//	GET  /api/commands            list active commands (?category=)
//	GET  /api/commands/suggest    ranked suggestions (?query=&limit=)
//	GET  /api/status              runtime status
//	GET  /api/config              public configuration view
//	POST /api/config/reload       reload configuration from disk
//	GET  /health, /healthz        health and liveness
//	GET  /metrics                 Prometheus text format
//	GET  /ws                      duplex channel
//
// Every /api response uses the envelope
//
//	{"success": bool, "data"|"error": ..., "metadata": {"processingTime": ms, "requestId": id}}
//
// # Duplex
//
// The /ws endpoint exchanges JSON text frames. The message types in this
// package (InboundMessage, CommandResultMessage, ...) define that protocol.
// Results on one connection are delivered in the order their commands arrived.
package api
