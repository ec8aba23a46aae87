// Package stdio implements a single-connection MCP transport over
// stdin/stdout for servers embedded as subprocesses.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : One per connection, closed at EOF
//	Transport        : Newline-delimited JSON-RPC
//
// Notifications routed to the session, such as list_changed after a reload,
// are written inline between responses.
//
// Example:
//
//	srv := mcpserver.New(memorystore.New(), localstream.New(),
//	    mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "my-stdio-server", Version: "0.1.0"}),
//	)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-instance deployments prefer the streaming HTTP transport with a
// shared session store and the Redis stream manager.
package stdio
