// Package agent defines the agent stream the dispatcher consumes and a
// Runner backed by coven-gateway.
//
// # Events
//
// A run produces an ordered stream:
//
//	start, (text_delta | reasoning_delta | tool_start | media)*, final | aborted | error
//
// Exactly one terminal event ends the stream and the channel is closed
// after it.
//
// # GatewayClient
//
// GatewayClient posts the prompt to POST /api/send and reads the
// text/event-stream response. Gateway event types map as follows:
//
//	started     -> EventStart (carries thread_id)
//	thinking    -> EventReasoningDelta
//	text        -> EventTextDelta
//	tool_use    -> EventToolStart
//	file        -> EventMedia (only when a url or inline data is present)
//	done        -> EventFinal (carries full_response)
//	cancelled   -> EventAborted
//	error       -> EventError
//
// tool_result, session_init and other informational events are ignored.
// Requests carry a bearer token from an auth.TokenSource when configured.
package agent
