package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/nextlevelbuilder/sandpad/internal/collab"
	"github.com/nextlevelbuilder/sandpad/internal/store"
	"github.com/nextlevelbuilder/sandpad/pkg/protocol"
)

// decodeEnvelope parses an inbound frame's outer {event, data} shape.
func decodeEnvelope(data []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// decodeLines accepts lineContent as either one string or an ordered
// list of strings.
func decodeLines(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	return nil, errors.New("lineContent must be a string or an array of strings")
}

// bind registers the client under an environment on its first
// environment-scoped message. Rebinding to a different environment
// deliberately leaves the old registration in place while connected;
// disconnect clears every binding. Pinned by
// TestRebindKeepsOldRegistration and TestDisconnectClearsAllRegistrations.
func (s *Server) bind(c *Client, envID string) {
	if c.envID == envID {
		return
	}
	c.envID = envID
	if !slices.Contains(c.envIDs, envID) {
		c.envIDs = append(c.envIDs, envID)
	}
	s.registry.Register(envID, c)
}

// broadcastFiles pushes the environment's full listing to every bound
// client. The coarse consistency model for rename/delete/duplicate.
func (s *Server) broadcastFiles(ctx context.Context, envID string) {
	files, err := s.files.List(ctx, envID)
	if err != nil {
		slog.Error("gateway: list files for broadcast", "env", envID, "error", err)
		return
	}
	s.registry.BroadcastAll(envID, protocol.NewEnvelope(protocol.EventFiles, protocol.FilesData{Files: files}))
}

// --- getFiles ---

func (s *Server) handleGetFiles(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
	}
	json.Unmarshal(data, &params)
	if params.EnvironmentID == "" {
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	files, err := s.files.List(ctx, params.EnvironmentID)
	if err != nil {
		c.Send(protocol.NewError("failed to read files", err.Error()))
		return
	}
	c.Send(protocol.NewEnvelope(protocol.EventFiles, protocol.FilesData{Files: files}))
}

// --- diffLine ---

func (s *Server) handleDiffLine(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string          `json:"environmentId"`
		FileName      string          `json:"fileName"`
		Op            string          `json:"op"`
		LineNumber    *int            `json:"lineNumber"`
		LineContent   json.RawMessage `json:"lineContent"`
		Count         int             `json:"count"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case params.FileName == "":
		c.Send(protocol.NewError("fileName is required", ""))
		return
	case params.Op == "":
		c.Send(protocol.NewError("op is required", ""))
		return
	case params.LineNumber == nil:
		c.Send(protocol.NewError("lineNumber is required", ""))
		return
	}

	lines, err := decodeLines(params.LineContent)
	if err != nil {
		c.Send(protocol.NewError(err.Error(), ""))
		return
	}
	if (params.Op == collab.OpInsert || params.Op == collab.OpReplace) && len(lines) == 0 {
		c.Send(protocol.NewError("lineContent is required for "+params.Op, ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	updates, err := s.engine.Apply(ctx, params.EnvironmentID, params.FileName, collab.Op{
		Kind:       params.Op,
		LineNumber: *params.LineNumber,
		Lines:      lines,
		Count:      params.Count,
	})
	if err != nil {
		if errors.Is(err, collab.ErrUnknownOp) {
			c.Send(protocol.NewError("unknown op: "+params.Op, ""))
			return
		}
		c.Send(protocol.NewError("edit failed", err.Error()))
		return
	}

	for _, u := range updates {
		s.registry.Broadcast(params.EnvironmentID,
			protocol.NewEnvelope(protocol.EventLineUpdated, protocol.LineUpdatedData{
				FileName:    params.FileName,
				Op:          u.Op,
				LineNumber:  u.LineNumber,
				LineContent: u.LineContent,
			}), c)
	}
}

// --- run ---

func (s *Server) handleRun(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string            `json:"environmentId"`
		FileNames     []string          `json:"fileNames"`
		Hash          string            `json:"hash"`
		Files         map[string]string `json:"files"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case len(params.FileNames) == 0:
		c.Send(protocol.NewError("fileNames is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	err := s.sessions.Start(ctx, params.EnvironmentID, params.FileNames, params.Hash, params.Files)
	c.Send(protocol.NewEnvelope(protocol.EventRunStatus, protocol.RunStatusData{
		Success: err == nil,
	}))
}

// --- input ---

func (s *Server) handleInput(_ context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
		Input         string `json:"input"`
	}
	json.Unmarshal(data, &params)
	if params.EnvironmentID == "" {
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	}

	// Flood protection: excess input frames are dropped silently.
	if !c.inputLimiter.Allow() {
		return
	}

	s.bind(c, params.EnvironmentID)

	if !s.sessions.SendInput(params.EnvironmentID, params.Input) {
		c.Send(protocol.NewError("no active session", ""))
	}
}

// --- stop ---

func (s *Server) handleStop(_ context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
	}
	json.Unmarshal(data, &params)
	if params.EnvironmentID == "" {
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	ok := s.sessions.Stop(params.EnvironmentID)
	s.registry.BroadcastAll(params.EnvironmentID,
		protocol.NewEnvelope(protocol.EventStopped, protocol.StoppedData{
			EnvironmentID: params.EnvironmentID,
			Success:       ok,
		}))
}

// --- renameFile ---

func (s *Server) handleRenameFile(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
		FileName      string `json:"fileName"`
		NewFileName   string `json:"newFileName"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case params.FileName == "" || params.NewFileName == "":
		c.Send(protocol.NewError("fileName and newFileName are required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	content, err := s.files.Get(ctx, params.EnvironmentID, params.FileName)
	if errors.Is(err, store.ErrNotFound) {
		c.Send(protocol.NewEnvelope(protocol.EventRenameFileStatus, protocol.FileOpStatusData{
			Success: false, FileName: params.FileName,
		}))
		return
	}
	if err == nil {
		err = s.files.Set(ctx, params.EnvironmentID, params.NewFileName, content)
	}
	if err == nil {
		err = s.files.Delete(ctx, params.EnvironmentID, params.FileName)
	}
	if err != nil {
		c.Send(protocol.NewError("rename failed", err.Error()))
		return
	}

	s.broadcastFiles(ctx, params.EnvironmentID)
	c.Send(protocol.NewEnvelope(protocol.EventRenameFileStatus, protocol.FileOpStatusData{
		Success: true, FileName: params.NewFileName,
	}))
}

// --- deleteFile ---

func (s *Server) handleDeleteFile(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
		FileName      string `json:"fileName"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case params.FileName == "":
		c.Send(protocol.NewError("fileName is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	if _, err := s.files.Get(ctx, params.EnvironmentID, params.FileName); errors.Is(err, store.ErrNotFound) {
		c.Send(protocol.NewEnvelope(protocol.EventDeleteFileStatus, protocol.FileOpStatusData{
			Success: false, FileName: params.FileName,
		}))
		return
	}
	if err := s.files.Delete(ctx, params.EnvironmentID, params.FileName); err != nil {
		c.Send(protocol.NewError("delete failed", err.Error()))
		return
	}

	s.broadcastFiles(ctx, params.EnvironmentID)
	c.Send(protocol.NewEnvelope(protocol.EventDeleteFileStatus, protocol.FileOpStatusData{
		Success: true, FileName: params.FileName,
	}))
}

// --- duplicateFile ---

func (s *Server) handleDuplicateFile(ctx context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
		FileName      string `json:"fileName"`
		NewFileName   string `json:"newFileName"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case params.FileName == "":
		c.Send(protocol.NewError("fileName is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	content, err := s.files.Get(ctx, params.EnvironmentID, params.FileName)
	if errors.Is(err, store.ErrNotFound) {
		c.Send(protocol.NewEnvelope(protocol.EventDuplicateFileStatus, protocol.FileOpStatusData{
			Success: false, FileName: params.FileName,
		}))
		return
	}
	if err != nil {
		c.Send(protocol.NewError("duplicate failed", err.Error()))
		return
	}

	target := params.NewFileName
	if target == "" {
		target = "copy_of_" + params.FileName
	}
	if err := s.files.Set(ctx, params.EnvironmentID, target, content); err != nil {
		c.Send(protocol.NewError("duplicate failed", err.Error()))
		return
	}

	s.broadcastFiles(ctx, params.EnvironmentID)
	c.Send(protocol.NewEnvelope(protocol.EventDuplicateFileStatus, protocol.FileOpStatusData{
		Success: true, FileName: target,
	}))
}

// --- cursorMove ---

func (s *Server) handleCursorMove(_ context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string          `json:"environmentId"`
		Pos           json.RawMessage `json:"pos"`
		File          string          `json:"file"`
	}
	json.Unmarshal(data, &params)

	switch {
	case params.EnvironmentID == "":
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	case params.File == "":
		c.Send(protocol.NewError("file is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	s.registry.Broadcast(params.EnvironmentID,
		protocol.NewEnvelope(protocol.EventMovedCursor, protocol.MovedCursorData{
			ID:   c.sessionID,
			Pos:  params.Pos,
			File: params.File,
		}), c)
}

// --- inputChange ---

func (s *Server) handleInputChange(_ context.Context, c *Client, data []byte) {
	var params struct {
		EnvironmentID string `json:"environmentId"`
		Input         string `json:"input"`
	}
	json.Unmarshal(data, &params)
	if params.EnvironmentID == "" {
		c.Send(protocol.NewError("environmentId is required", ""))
		return
	}

	s.bind(c, params.EnvironmentID)

	s.registry.Broadcast(params.EnvironmentID,
		protocol.NewEnvelope(protocol.EventInputChanged, protocol.InputChangedData{
			Input: params.Input,
		}), c)
}
