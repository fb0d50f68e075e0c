// Package protocol defines the JSON wire protocol spoken between the
// gateway and browser clients. Every frame is an envelope {event, data};
// data is event-specific and decoded by the handler that owns the event.
package protocol

import "encoding/json"

// Inbound event names.
const (
	EventGetFiles      = "getFiles"
	EventDiffLine      = "diffLine"
	EventRun           = "run"
	EventInput         = "input"
	EventStop          = "stop"
	EventRenameFile    = "renameFile"
	EventDeleteFile    = "deleteFile"
	EventDuplicateFile = "duplicateFile"
	EventCursorMove    = "cursorMove"
	EventInputChange   = "inputChange"
)

// Outbound event names.
const (
	EventConnected           = "connected"
	EventFiles               = "files"
	EventOutput              = "output"
	EventExit                = "exit"
	EventRunStatus           = "runStatus"
	EventStopped             = "stopped"
	EventLineUpdated         = "lineUpdated"
	EventMovedCursor         = "movedCursor"
	EventDeleteCursor        = "deleteCursor"
	EventInputChanged        = "inputChanged"
	EventRenameFileStatus    = "renameFileStatus"
	EventDeleteFileStatus    = "deleteFileStatus"
	EventDuplicateFileStatus = "duplicateFileStatus"
	EventError               = "error"
)

// Envelope is the outer frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data and wraps it under the given event name.
// Marshal errors are swallowed into an empty data field; all payload
// types in this package are marshal-safe.
func NewEnvelope(event string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Data: raw}
}

// ErrorData is the payload of an "error" event. Errors are always
// addressed to the client whose message caused them, never broadcast.
type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewError builds an error envelope for the sender.
func NewError(message string, details string) Envelope {
	return NewEnvelope(EventError, ErrorData{Message: message, Details: details})
}

// ConnectedData announces the server-generated session identifier for a
// freshly accepted connection.
type ConnectedData struct {
	SessionID string `json:"sessionId"`
}

// FilesData carries the full file listing of an environment.
type FilesData struct {
	Files map[string]string `json:"files"`
}

// OutputData carries one chunk of sandbox terminal output.
type OutputData struct {
	Output string `json:"output"`
}

// ExitData reports sandbox process termination.
type ExitData struct {
	ExitCode int `json:"exitCode"`
}

// RunStatusData acknowledges a run request to its sender.
type RunStatusData struct {
	Success bool `json:"success"`
}

// StoppedData reports that an environment's session was stopped. Reason
// is set to "restarted" when the stop was forced by a new run request.
type StoppedData struct {
	EnvironmentID string `json:"environmentId"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

// LineUpdatedData is one normalized line-level edit, broadcast to every
// client of the environment except the editor.
type LineUpdatedData struct {
	FileName    string `json:"fileName"`
	Op          string `json:"op"`
	LineNumber  int    `json:"lineNumber"`
	LineContent string `json:"lineContent,omitempty"`
}

// MovedCursorData reports another client's cursor position.
type MovedCursorData struct {
	ID   string          `json:"id"`
	Pos  json.RawMessage `json:"pos"`
	File string          `json:"file"`
}

// DeleteCursorData tells clients to drop a disconnected peer's cursor.
type DeleteCursorData struct {
	SessionID string `json:"sessionId"`
}

// InputChangedData mirrors another client's pending terminal input line.
type InputChangedData struct {
	Input string `json:"input"`
}

// FileOpStatusData acknowledges a rename/delete/duplicate request.
type FileOpStatusData struct {
	Success  bool   `json:"success"`
	FileName string `json:"fileName,omitempty"`
}
