package sessions

import (
	"errors"
	"time"
)

// CapabilitySet captures the immutable capability surface negotiated at
// session creation. Booleans keep it cheap to serialize, compare, and extend.
type CapabilitySet struct {
	Roots            bool `json:"roots,omitempty"`
	RootsListChanged bool `json:"roots_list_changed,omitempty"`
	Sampling         bool `json:"sampling,omitempty"`
	Elicitation      bool `json:"elicitation,omitempty"`
}

// ClientInfo records the client identity supplied at initialization.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// LoggingLevel is the syslog-style severity a client asks the server to
// respect when emitting notifications/message frames.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var levelRank = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// ErrInvalidLoggingLevel is returned when a level outside the eight syslog
// severities is supplied.
var ErrInvalidLoggingLevel = errors.New("invalid logging level")

// Valid reports whether l is one of the protocol-defined severities.
func (l LoggingLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// SessionMetadata is the authoritative persisted representation of a client
// session. A record exists if and only if the session is considered alive.
//
// SessionID, UserID, ProtocolVersion, Client, Capabilities and CreatedAt are
// fixed at handshake. LogLevel is client-settable and LastAccessedAt moves on
// every touch. Timestamps are UTC.
type SessionMetadata struct {
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id,omitempty"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`
	Client          ClientInfo    `json:"client,omitempty"`
	Capabilities    CapabilitySet `json:"capabilities,omitempty"`
	LogLevel        LoggingLevel  `json:"log_level,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Clone returns a copy that shares no memory with m.
func (m *SessionMetadata) Clone() *SessionMetadata {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// Touch advances LastAccessedAt to now.
func (m *SessionMetadata) Touch(now time.Time) {
	m.LastAccessedAt = now.UTC()
}

// ShouldLog reports whether a message at level passes the session's
// threshold. Sessions that never set a level receive everything.
func (m *SessionMetadata) ShouldLog(level LoggingLevel) bool {
	if m.LogLevel == "" {
		return true
	}
	min, ok := levelRank[m.LogLevel]
	if !ok {
		return true
	}
	return levelRank[level] >= min
}
