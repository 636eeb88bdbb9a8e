package events

import (
	"strings"
	"time"
)

// MCPCallStatus is the lifecycle phase of a tool call on an MCP server.
type MCPCallStatus string

const (
	MCPCallRunning   MCPCallStatus = "running"
	MCPCallCompleted MCPCallStatus = "completed"
	MCPCallFailed    MCPCallStatus = "failed"
)

// MCPCallData is the payload of mcp.call.* events.
type MCPCallData struct {
	ID         string         `json:"id"`
	Server     string         `json:"server,omitempty"`
	Method     string         `json:"method,omitempty"`
	SessionID  string         `json:"sessionID,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  int64          `json:"timestamp"` // unix millis
	Duration   int64          `json:"duration,omitempty"`
	Response   any            `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// IsMCP reports whether kind belongs to the mcp.* family.
func IsMCP(kind string) bool {
	return strings.HasPrefix(kind, "mcp.")
}

// StartTime converts the millisecond timestamp.
func (d MCPCallData) StartTime() time.Time {
	return time.UnixMilli(d.Timestamp)
}

// MCPStatusFor maps an mcp.call.* kind to a call status.
func MCPStatusFor(kind string) (MCPCallStatus, bool) {
	switch kind {
	case KindMCPCallStarted, KindMCPCallProgress:
		return MCPCallRunning, true
	case KindMCPCallCompleted:
		return MCPCallCompleted, true
	case KindMCPCallFailed:
		return MCPCallFailed, true
	default:
		return "", false
	}
}

// DecodeMCPCall decodes an mcp.call.* event payload.
func DecodeMCPCall(ev Event) (MCPCallData, error) {
	var d MCPCallData
	err := ev.Decode(&d)
	return d, err
}
