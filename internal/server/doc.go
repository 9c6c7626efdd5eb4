// Package server implements the HTTP surface using the Echo framework.
//
// Routes: /events (SSE broadcast stream), /ws (interactive WebSocket),
// /publish (producer ingress), /health/*, /metrics, /stats. Connection
// admission (global, per-IP, per-IP rate) runs before either stream
// enters a manager registry.
package server
