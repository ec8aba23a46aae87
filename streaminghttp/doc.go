// Package streaminghttp mounts a mcpserver.Server as a standard net/http
// handler speaking the MCP streaming HTTP transport.
//
//   - POST carries one JSON-RPC message. A request without an
//     Mcp-Session-Id header must be initialize; the response carries the new
//     session id in that header.
//   - GET with Accept: text/event-stream attaches a Server-Sent Events stream
//     to the session. Notifications routed to the session by the stream
//     manager, such as list_changed after a reload or resources/updated, are
//     written to it until the client disconnects. A second GET for the same
//     session replaces the first stream.
//   - DELETE ends the session and releases its stream, subscriptions and
//     stored record.
//
// Construction
//
//	srv := mcpserver.New(store, streamManager)
//	http.Handle("/mcp", streaminghttp.New(srv, streaminghttp.WithLogger(logger)))
//
// WithAuthenticator puts bearer authentication in front of all three methods
// and binds each session to the user whose token created it.
//
// Sessions are looked up through the server's session store on every
// request, so any instance sharing the store and a distributed stream
// manager can serve any session.
package streaminghttp
