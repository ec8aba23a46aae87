// Package mcp contains the protocol data types and method names exchanged
// with attached clients. It mirrors the Model Context Protocol wire shapes
// (exported structs with json tags, string constants for method names) and
// carries no transport or session logic.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes.
//
// # Notifications
//
// The live-session layer emits four notifications on its own:
// tools/prompts/resources list_changed after a reload,
// notifications/resources/updated for subscribed resources and
// notifications/message for log records that pass a session's level.
//
// # Logging Levels
//
// LoggingLevel values mirror syslog severities. Use IsValidLoggingLevel to
// validate user-provided values.
package mcp
