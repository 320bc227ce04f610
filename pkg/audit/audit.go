// Package audit writes the per-query audit log described in the :
// one JSON line per query, top-level key the millis-since-epoch timestamp,
// backed by spf13/afero for the same injectable-filesystem reasons as
// pkg/profilelog. abort_on_failed_audit_event's exit(1) is deliberately
// NOT implemented here -- only cmd/daemon may call os.Exit -- Append
// instead returns the error for the caller to act on.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/smiecj/distsqld/pkg/rpcif"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

const filenamePrefix = "distsqld_audit_event_log_1.0-"
const osAppendFlags = os.O_RDWR | os.O_CREATE | os.O_APPEND

// CatalogObjectRef mirrors rpcif.CatalogObjectRef's JSON shape, named
// independently here so the wire JSON field names are pinned regardless of
// how rpcif's Go field names evolve.
type CatalogObjectRef struct {
	Name       string `json:"name"`
	ObjectType string `json:"object_type"`
	Privilege  string `json:"privilege"`
}

// Entry is one audit log record's value
type Entry struct {
	QueryID             uuid.UUID          `json:"query_id"`
	SessionID           uuid.UUID          `json:"session_id"`
	StartTime           string             `json:"start_time"`
	AuthorizationFailure bool              `json:"authorization_failure"`
	Status              string             `json:"status"`
	User                string             `json:"user"`
	Impersonator        string             `json:"impersonator"`
	StatementType       string             `json:"statement_type"`
	NetworkAddress      string             `json:"network_address"`
	SQLStatement        string             `json:"sql_statement"`
	CatalogObjects      []CatalogObjectRef `json:"catalog_objects"`
}

// FromCatalogObjects converts rpcif catalog object refs into the audit
// entry's wire shape.
func FromCatalogObjects(refs []rpcif.CatalogObjectRef) []CatalogObjectRef {
	out := make([]CatalogObjectRef, len(refs))
	for i, r := range refs {
		out[i] = CatalogObjectRef{Name: r.Name, ObjectType: r.ObjectType, Privilege: r.Privilege}
	}
	return out
}

// Writer appends audit log entries, rotating after maxEntries per file.
type Writer struct {
	fs         afero.Fs
	dir        string
	maxEntries int
	nowMs      func() int64

	mu struct {
		syncutil.Mutex
		file    afero.File
		count   int
	}
}

// New constructs a Writer rooted at dir on fs.
func New(fs afero.Fs, dir string, maxEntries int, nowMs func() int64) (*Writer, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating audit log directory %q", dir)
	}
	w := &Writer{fs: fs, dir: dir, maxEntries: maxEntries, nowMs: nowMs}
	return w, nil
}

// Append writes one audit log JSON line keyed by the current millis-since-
// epoch timestamp.
func (w *Writer) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mu.file == nil || (w.maxEntries > 0 && w.mu.count >= w.maxEntries) {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	ts := w.nowMs()
	payload, err := json.Marshal(map[string]Entry{fmt.Sprintf("%d", ts): entry})
	if err != nil {
		return errors.Wrapf(err, "marshaling audit entry for query %s", entry.QueryID)
	}
	if _, err := w.mu.file.Write(append(payload, '\n')); err != nil {
		return errors.Wrapf(err, "writing audit log entry for query %s", entry.QueryID)
	}
	w.mu.count++
	return nil
}

func (w *Writer) rotateLocked() error {
	if w.mu.file != nil {
		_ = w.mu.file.Close()
	}
	w.mu.count = 0
	name := fmt.Sprintf("%s%d", filenamePrefix, w.nowMs())
	f, err := w.fs.OpenFile(filepath.Join(w.dir, name), osAppendFlags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "rotating audit log file to %q", name)
	}
	w.mu.file = f
	return nil
}

// Close flushes and closes the current file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mu.file == nil {
		return nil
	}
	err := w.mu.file.Close()
	w.mu.file = nil
	return err
}
