package collab

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/sandpad/internal/store"
)

func newTestEngine() (*Engine, *store.Files) {
	files := store.NewFiles(store.NewMemoryKV())
	return NewEngine(files), files
}

func mustContent(t *testing.T, files *store.Files, env, name string) string {
	t.Helper()
	content, err := files.Get(context.Background(), env, name)
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", env, name, err)
	}
	return content
}

func TestApplyInsert(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a\nb\nc"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpInsert,
		LineNumber: 1,
		Lines:      []string{"x", "y"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := mustContent(t, files, "env1", "main.py"); got != "a\nx\ny\nb\nc" {
		t.Errorf("content = %q, want %q", got, "a\nx\ny\nb\nc")
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	for i, want := range []LineUpdate{
		{Op: OpInsert, LineNumber: 1, LineContent: "x"},
		{Op: OpInsert, LineNumber: 2, LineContent: "y"},
	} {
		if updates[i] != want {
			t.Errorf("updates[%d] = %+v, want %+v", i, updates[i], want)
		}
	}
}

func TestApplyInsertClampsOutOfRange(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpInsert,
		LineNumber: 99,
		Lines:      []string{"z"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "main.py"); got != "a\nz" {
		t.Errorf("content = %q, want %q", got, "a\nz")
	}
	if updates[0].LineNumber != 1 {
		t.Errorf("update line = %d, want 1 (clamped to end)", updates[0].LineNumber)
	}
}

func TestApplyDeleteReportsStableIndex(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a\nb\nc\nd\ne"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpDelete,
		LineNumber: 1,
		Count:      3,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := mustContent(t, files, "env1", "main.py"); got != "a\ne" {
		t.Errorf("content = %q, want %q", got, "a\ne")
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	// Each removal shifts successors down, so every update targets the
	// same index.
	for i, u := range updates {
		if u.Op != OpDelete || u.LineNumber != 1 {
			t.Errorf("updates[%d] = %+v, want delete at line 1", i, u)
		}
	}
}

func TestApplyDeleteDefaultsToOneLine(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a\nb"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{Kind: OpDelete, LineNumber: 0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "main.py"); got != "b" {
		t.Errorf("content = %q, want %q", got, "b")
	}
	if len(updates) != 1 {
		t.Errorf("got %d updates, want 1", len(updates))
	}
}

func TestApplyDeleteClampsCount(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a\nb"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpDelete,
		LineNumber: 1,
		Count:      10,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "main.py"); got != "a" {
		t.Errorf("content = %q, want %q", got, "a")
	}
	if len(updates) != 1 {
		t.Errorf("got %d updates, want 1 (clamped)", len(updates))
	}
}

func TestApplyReplaceInRange(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a\nb\nc"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpReplace,
		LineNumber: 1,
		Lines:      []string{"B"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "main.py"); got != "a\nB\nc" {
		t.Errorf("content = %q, want %q", got, "a\nB\nc")
	}
	want := LineUpdate{Op: OpReplace, LineNumber: 1, LineContent: "B"}
	if updates[0] != want {
		t.Errorf("update = %+v, want %+v", updates[0], want)
	}
}

func TestApplyReplaceBeyondLengthBecomesInsert(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	if err := files.Set(ctx, "env1", "main.py", "a"); err != nil {
		t.Fatal(err)
	}

	updates, err := e.Apply(ctx, "env1", "main.py", Op{
		Kind:       OpReplace,
		LineNumber: 0,
		Lines:      []string{"A", "B", "C"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "main.py"); got != "A\nB\nC" {
		t.Errorf("content = %q, want %q", got, "A\nB\nC")
	}
	wantOps := []string{OpReplace, OpInsert, OpInsert}
	for i, u := range updates {
		if u.Op != wantOps[i] {
			t.Errorf("updates[%d].Op = %s, want %s", i, u.Op, wantOps[i])
		}
	}
}

func TestApplyCreatesMissingFile(t *testing.T) {
	e, files := newTestEngine()
	ctx := context.Background()

	_, err := e.Apply(ctx, "env1", "new.py", Op{
		Kind:       OpReplace,
		LineNumber: 0,
		Lines:      []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := mustContent(t, files, "env1", "new.py"); got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestApplyUnknownOp(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.Apply(context.Background(), "env1", "main.py", Op{Kind: "swap"})
	if !errors.Is(err, ErrUnknownOp) {
		t.Errorf("error = %v, want ErrUnknownOp", err)
	}
}

// replayUpdates applies a stream of normalized updates to an
// independent copy of the content, the way a remote client would.
func replayUpdates(content string, updates []LineUpdate) string {
	lines := strings.Split(content, "\n")
	for _, u := range updates {
		switch u.Op {
		case OpInsert:
			at := u.LineNumber
			if at > len(lines) {
				at = len(lines)
			}
			lines = append(lines[:at], append([]string{u.LineContent}, lines[at:]...)...)
		case OpDelete:
			if u.LineNumber < len(lines) {
				lines = append(lines[:u.LineNumber], lines[u.LineNumber+1:]...)
			}
		case OpReplace:
			if u.LineNumber < len(lines) {
				lines[u.LineNumber] = u.LineContent
			}
		}
	}
	return strings.Join(lines, "\n")
}

// A peer that starts from the same content and applies every broadcast
// update must end up with the byte-identical file.
func TestUpdateStreamFidelity(t *testing.T) {
	ops := []Op{
		{Kind: OpInsert, LineNumber: 0, Lines: []string{"def main():"}},
		{Kind: OpInsert, LineNumber: 1, Lines: []string{"    pass"}},
		{Kind: OpReplace, LineNumber: 1, Lines: []string{"    print(1)"}},
		{Kind: OpInsert, LineNumber: 2, Lines: []string{"", "main()"}},
		{Kind: OpDelete, LineNumber: 2},
		{Kind: OpReplace, LineNumber: 5, Lines: []string{"# past the end"}},
		{Kind: OpDelete, LineNumber: 0, Count: 2},
	}

	e, files := newTestEngine()
	ctx := context.Background()

	const initial = ""
	peerView := initial
	for _, op := range ops {
		updates, err := e.Apply(ctx, "env1", "main.py", op)
		if err != nil {
			t.Fatalf("Apply(%+v): %v", op, err)
		}
		peerView = replayUpdates(peerView, updates)
	}

	server := mustContent(t, files, "env1", "main.py")
	if peerView != server {
		t.Errorf("peer replay diverged:\npeer:   %q\nserver: %q", peerView, server)
	}
}
