// Package webchat exposes the session router over HTTP.
//
// Routes:
//   - REST operations under /api/ (submit, stop, reload, input, conversations,
//     mode changes, backend health).
//   - /ws, a websocket that receives every router event in per-mode order. A
//     ?mode= query parameter restricts the stream to one mode.
//
// Events reach websocket clients through an events.Coordinator subscribed to
// the same watermill topic the router publishes on, so the HTTP process and
// the router may run apart when the Redis Streams transport is used.
package webchat
