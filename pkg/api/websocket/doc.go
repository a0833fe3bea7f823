// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/executions/:id/ws to receive the status
// events of one execution as JSON messages.
package websocket
