// Package webhook accepts inbound messages over HMAC-signed HTTP POSTs and
// enqueues them onto lanes.
//
// Each endpoint binds a path to a lane channel. The body is a JSON Message;
// the lane key is derived from its session_key, its agent_id (or the
// endpoint's default agent) and the endpoint channel.
//
// # Security Model
//
//   - HMAC-SHA256 over the raw body, compared in constant time
//   - Body size limits enforced before verification
//   - Failed verification always answers a generic 403
//   - Request logging excludes payloads
//
// # Responses
//
//   - 202 Accepted: message stored; body is the lane.EnqueueResult. When
//     back-pressure dropped older messages, X-Runlane-Backpressure: dropped
//     is set and dropped_message_ids lists them
//   - 400 Bad Request: malformed JSON or missing fields
//   - 403 Forbidden: invalid or missing signature
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: enqueue failed
package webhook
