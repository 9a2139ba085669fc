package client

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/getwebface/roomdb/internal/wire"
)

// DetectPrimaryKey picks the field used to reconcile incremental events
// against cached rows: the field literally named "id", otherwise the first
// field (in name order) ending in "id", defaulting to "id". This is a
// heuristic fallback; when the chosen key is missing from an event's rows the
// cache refuses the merge and demands a full refresh instead.
func DetectPrimaryKey(sample wire.Row) string {
	if len(sample) == 0 {
		return "id"
	}
	if _, ok := sample["id"]; ok {
		return "id"
	}
	keys := make([]string, 0, len(sample))
	for k := range sample {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(k), "id") {
			return k
		}
	}
	return "id"
}

// TableCache is the client's materialized view of one table. Incremental
// update events merge into it; snapshots replace it wholesale.
type TableCache struct {
	table string

	mu           sync.Mutex
	key          string
	rows         []wire.Row
	total        int
	needsRefresh bool
}

func NewTableCache(table string) *TableCache {
	return &TableCache{table: table}
}

func (t *TableCache) TableName() string { return t.table }

// Rows returns a copy of the cached rows, newest first.
func (t *TableCache) Rows() []wire.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// Total is the running total row count, which can exceed len(Rows()) when
// only a page is loaded.
func (t *TableCache) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Key returns the reconciliation key detected so far, or "" if no sample row
// has been seen.
func (t *TableCache) Key() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// NeedsRefresh reports whether an event could not be reconciled and the
// caller must re-issue a full read.
func (t *TableCache) NeedsRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needsRefresh
}

// Replace swaps in a full result snapshot.
func (t *TableCache) Replace(rows []wire.Row, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaceLocked(rows, total)
}

func (t *TableCache) replaceLocked(rows []wire.Row, total int) {
	t.rows = make([]wire.Row, len(rows))
	copy(t.rows, rows)
	t.total = total
	t.needsRefresh = false
	if len(rows) > 0 {
		t.key = DetectPrimaryKey(rows[0])
	}
}

func keyValue(v any) string {
	return fmt.Sprint(v)
}

func (t *TableCache) indexOfLocked(kv string) int {
	for i, r := range t.rows {
		if v, ok := r[t.key]; ok && keyValue(v) == kv {
			return i
		}
	}
	return -1
}

// ApplyEvent merges one incremental add/modify/delete. When the key cannot be
// found on the event's row the event is ignored and the cache is marked for a
// full refresh; merging on a guessed key would silently corrupt it.
func (t *TableCache) ApplyEvent(action wire.UpdateAction, row wire.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(action, row)
}

func (t *TableCache) applyLocked(action wire.UpdateAction, row wire.Row) {
	if t.key == "" {
		t.key = DetectPrimaryKey(row)
	}
	v, ok := row[t.key]
	if !ok {
		t.needsRefresh = true
		return
	}
	kv := keyValue(v)

	switch action {
	case wire.ActionAdded:
		// the same row can arrive twice when an optimistic apply races the
		// authoritative broadcast; last writer wins
		if i := t.indexOfLocked(kv); i >= 0 {
			t.mergeLocked(i, row)
			return
		}
		t.rows = append([]wire.Row{copyRow(row)}, t.rows...)
		t.total++

	case wire.ActionModified:
		i := t.indexOfLocked(kv)
		if i < 0 {
			// the row will arrive with the next full refresh
			return
		}
		t.mergeLocked(i, row)

	case wire.ActionDeleted:
		i := t.indexOfLocked(kv)
		if i < 0 {
			return
		}
		t.rows = append(t.rows[:i], t.rows[i+1:]...)
		if t.total > 0 {
			t.total--
		}
	}
}

func (t *TableCache) mergeLocked(i int, row wire.Row) {
	merged := copyRow(t.rows[i])
	for k, v := range row {
		merged[k] = v
	}
	t.rows[i] = merged
}

func copyRow(row wire.Row) wire.Row {
	out := make(wire.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// ApplyDiff handles the legacy batched event form: added/modified/deleted
// lists or a fullData replacement. Key detection runs once per diff against a
// sample row.
func (t *TableCache) ApplyDiff(f *wire.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.FullData != nil {
		total := len(f.FullData)
		if f.Total != nil {
			total = *f.Total
		}
		t.replaceLocked(f.FullData, total)
		return
	}

	var sample wire.Row
	switch {
	case len(f.Added) > 0:
		sample = f.Added[0]
	case len(f.Modified) > 0:
		sample = f.Modified[0]
	case len(f.Deleted) > 0:
		sample = f.Deleted[0]
	default:
		return
	}
	if t.key == "" {
		t.key = DetectPrimaryKey(sample)
	}

	for _, row := range f.Added {
		t.applyLocked(wire.ActionAdded, row)
	}
	for _, row := range f.Modified {
		t.applyLocked(wire.ActionModified, row)
	}
	for _, row := range f.Deleted {
		t.applyLocked(wire.ActionDeleted, row)
	}
}

// AppendPage adds one LIMIT/OFFSET page, dropping rows whose key is already
// held; a concurrent full reconciliation can race the paged fetch. Returns
// how many rows were actually appended.
func (t *TableCache) AppendPage(rows []wire.Row, total int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.key == "" && len(rows) > 0 {
		t.key = DetectPrimaryKey(rows[0])
	}

	held := make(map[string]struct{}, len(t.rows))
	for _, r := range t.rows {
		if v, ok := r[t.key]; ok {
			held[keyValue(v)] = struct{}{}
		}
	}

	added := 0
	for _, row := range rows {
		v, ok := row[t.key]
		if ok {
			kv := keyValue(v)
			if _, dup := held[kv]; dup {
				continue
			}
			held[kv] = struct{}{}
		}
		t.rows = append(t.rows, copyRow(row))
		added++
	}
	if total >= 0 {
		t.total = total
	}
	return added
}

// Lookup returns a copy of the row with the given key value.
func (t *TableCache) Lookup(id any) (wire.Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == "" {
		return nil, false
	}
	i := t.indexOfLocked(keyValue(id))
	if i < 0 {
		return nil, false
	}
	return copyRow(t.rows[i]), true
}

// Len returns the number of locally held rows.
func (t *TableCache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}
