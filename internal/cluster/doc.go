// Package cluster holds the wire types of the node task API and a small
// JSON over HTTP client for it.
//
// # Envelope
//
// Every reply is wrapped in Response:
//
//	{"success": true, "message": "task started", "result": {...}}
//
// Failed calls carry success=false and a human readable message. The
// status code tells the class of failure: 400 for a bad task configuration,
// 404 for an unknown task, 500 for store or engine trouble.
//
// # Routes
//
//	POST   /api/v1/tasks/:id/start     body: task configuration
//	POST   /api/v1/tasks/:id/stop
//	POST   /api/v1/tasks/:id/restart
//	DELETE /api/v1/tasks/:id
//	GET    /api/v1/tasks/:id
//	GET    /api/v1/tasks
//	GET    /api/v1/nodes
//	GET    /health
//	GET    /metrics                    Prometheus text format
//
// Any node can serve any call. Start runs the task on the node that
// received it only if no other node holds the task lease; stop reaches the
// owning node through the shared store on its next heartbeat.
package cluster
