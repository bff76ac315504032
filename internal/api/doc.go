// Package api is the gateway's HTTP front-end.
//
// # Overview
//
// A single listener serves three surfaces:
//
//   - GET /{token}: the WebSocket handshake. The bearer token travels in
//     the URL path; ?sessionId= reconnects a prior session and
//     ?binary=&compress=&broadcast= pick the session flags. A bad token
//     still completes the upgrade so the client sees one UNAUTHORIZED
//     frame instead of a raw TCP reset.
//   - /api/v1/*: the control plane with version, statistics, and manage.
//     The statistics and manage endpoints answer 404 to missing or
//     non-admin tokens so the routes stay invisible to probing.
//   - /metrics, /healthz, /livez, /readyz: operational endpoints.
//
// # Request Flow
//
//	HTTP request -> access log -> recovery -> i18n -> mux -> handler
//
// Handshake and control routes additionally pass a per-IP rate limiter.
// The frame loop dispatches ping/findAll/tx through the Session one frame
// at a time, so submission order into the pipeline is frame order.
package api
