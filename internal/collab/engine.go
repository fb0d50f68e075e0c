// Package collab applies line-level edit operations to the shared
// server-held copy of an environment's files and produces the
// normalized update events that get broadcast to every other client.
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/sandpad/internal/store"
)

// Op kinds accepted by Apply.
const (
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpReplace = "replace"
)

// ErrUnknownOp is returned for an op kind outside insert/delete/replace.
var ErrUnknownOp = errors.New("collab: unknown edit op")

// Op is one edit operation against a file's line sequence. LineNumber
// is zero-based. Lines carries the values to insert or replace; Count
// is the number of lines to delete (0 means 1).
type Op struct {
	Kind       string
	LineNumber int
	Lines      []string
	Count      int
}

// LineUpdate is one normalized per-line update produced by Apply. A
// replace that targeted a line beyond the current length is reported as
// an insert, which is what actually happened.
type LineUpdate struct {
	Op          string
	LineNumber  int
	LineContent string
}

// Engine owns the read-modify-write sequence for file edits. Each
// (environment, file) pair is serialized by its own mutex; concurrent
// edits from different clients still interleave at operation
// granularity (last write wins), which is the documented behavior.
type Engine struct {
	files *store.Files

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an edit engine over the given file store.
func NewEngine(files *store.Files) *Engine {
	return &Engine{
		files: files,
		locks: make(map[string]*sync.Mutex),
	}
}

// Apply runs one edit operation against (envID, fileName), persists the
// result, and returns the updates to broadcast. A missing file is
// treated as empty content, so the first edit creates it.
func (e *Engine) Apply(ctx context.Context, envID, fileName string, op Op) ([]LineUpdate, error) {
	lock := e.fileLock(envID, fileName)
	lock.Lock()
	defer lock.Unlock()

	content, err := e.files.GetOrEmpty(ctx, envID, fileName)
	if err != nil {
		return nil, fmt.Errorf("collab: read %s: %w", fileName, err)
	}

	lines := strings.Split(content, "\n")

	var updates []LineUpdate
	switch op.Kind {
	case OpInsert:
		lines, updates = applyInsert(lines, op)
	case OpDelete:
		lines, updates = applyDelete(lines, op)
	case OpReplace:
		lines, updates = applyReplace(lines, op)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}

	if err := e.files.Set(ctx, envID, fileName, strings.Join(lines, "\n")); err != nil {
		return nil, fmt.Errorf("collab: persist %s: %w", fileName, err)
	}
	return updates, nil
}

// applyInsert splices op.Lines into the sequence at op.LineNumber
// without removing anything. Each inserted line is reported
// individually at its final index.
func applyInsert(lines []string, op Op) ([]string, []LineUpdate) {
	at := clamp(op.LineNumber, 0, len(lines))

	out := make([]string, 0, len(lines)+len(op.Lines))
	out = append(out, lines[:at]...)
	out = append(out, op.Lines...)
	out = append(out, lines[at:]...)

	updates := make([]LineUpdate, 0, len(op.Lines))
	for i, line := range op.Lines {
		updates = append(updates, LineUpdate{
			Op:          OpInsert,
			LineNumber:  at + i,
			LineContent: line,
		})
	}
	return out, updates
}

// applyDelete removes op.Count contiguous lines starting at
// op.LineNumber. Every removed line is reported at the same index:
// deleting a line shifts its successors down, so the delete point is
// stable across the whole batch.
func applyDelete(lines []string, op Op) ([]string, []LineUpdate) {
	count := op.Count
	if count <= 0 {
		count = 1
	}
	at := clamp(op.LineNumber, 0, len(lines))
	if at+count > len(lines) {
		count = len(lines) - at
	}

	out := append([]string{}, lines[:at]...)
	out = append(out, lines[at+count:]...)

	updates := make([]LineUpdate, 0, count)
	for i := 0; i < count; i++ {
		updates = append(updates, LineUpdate{Op: OpDelete, LineNumber: at})
	}
	return out, updates
}

// applyReplace overwrites in-range target lines and degrades to an
// insert for targets beyond the current length, so replacing lines
// that do not exist yet still lands them in the file.
func applyReplace(lines []string, op Op) ([]string, []LineUpdate) {
	at := op.LineNumber
	if at < 0 {
		at = 0
	}

	updates := make([]LineUpdate, 0, len(op.Lines))
	for i, line := range op.Lines {
		idx := at + i
		if idx < len(lines) {
			lines[idx] = line
			updates = append(updates, LineUpdate{
				Op:          OpReplace,
				LineNumber:  idx,
				LineContent: line,
			})
			continue
		}
		lines = append(lines, line)
		updates = append(updates, LineUpdate{
			Op:          OpInsert,
			LineNumber:  idx,
			LineContent: line,
		})
	}
	return lines, updates
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fileLock returns the mutex serializing edits on one file.
func (e *Engine) fileLock(envID, fileName string) *sync.Mutex {
	key := envID + "\x00" + fileName
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}
