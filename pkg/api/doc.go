// Package api exposes the task manager over HTTP/JSON: task submission
// (structured or free-text via the translator), status and tree reads,
// cancel/restart/force-start operations, the diagram and log artifacts,
// runtime limits, and the Prometheus endpoint.
package api
