// Package api documents the AgentRelay HTTP API.
//
// # API Overview
//
// AgentRelay exposes a JSON API for:
//   - Session usage reporting and memory block ingestion
//   - Utilization metrics, circuit breaker state and handoff history
//   - Manual controls: adapter override, breaker reset and on-demand handoff
//   - Context preservation, restore and named snapshots
//   - Executing a prompt through the fallback chain
//   - Runtime configuration with reload and rollback
//   - A WebSocket event stream of warnings, breaker changes and handoffs
//
// Every JSON endpoint answers with the same envelope:
//
//	{"success": true, "data": ..., "timestamp": "...", "request_id": "..."}
//	{"success": false, "error": {"code": "CHAIN_EXHAUSTED", "message": "..."}, ...}
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Routes live under /api/v1; /health, /ready, /version and /metrics sit at
// the root. The handlers are implemented in package api/handlers and wired in
// cmd/agentrelay.
package api
