// Package mcpserver ties the live-session layer together. A Server owns the
// tool, resource and prompt tables and the set of sessions attached to this
// process, and it keeps the two in step: registrations and reloads are
// synchronized into every live session, which then receives list_changed
// notifications over its stream.
//
// Quick start:
//
//	store := memorystore.New()
//	sm := localstream.New()
//	srv := mcpserver.New(store, sm,
//	    mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	)
//
//	type EchoArgs struct{ Message string `json:"message"` }
//	srv.RegisterTool(ctx, registry.NewTool("echo",
//	    func(ctx context.Context, req registry.Request, a EchoArgs) (registry.Result, error) {
//	        return registry.Result{Text: a.Message}, nil
//	    },
//	))
//
//	ls, _ := srv.CreateSession(ctx, "user-1", mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
//	sink := streams.NewChanSink(16)
//	_ = srv.AttachStream(ctx, ls.SessionID(), sink)
//
//	// Later, from a manifest watcher:
//	w := hotreload.NewWatcher("capabilities.yaml", func(ctx context.Context, snap hotreload.Snapshot) error {
//	    _, err := srv.Reload(ctx, snap)
//	    return err
//	})
//	go w.Run(ctx)
//
// Sessions survive process restarts through the session store: OpenSession
// rebuilds a live view from the stored record.
package mcpserver
