package att

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// MaxHandle is the largest assignable attribute handle. Handle 0 is reserved.
const MaxHandle = 0xffff

// WalkResult tells Walk whether to keep iterating.
type WalkResult int

const (
	WalkContinue WalkResult = iota
	WalkStop
)

// WalkFunc is called by Walk for each entry in handle order.
type WalkFunc func(e *Entry) WalkResult

// Table is the ordered set of attributes this device exposes.
//
// Handles are assigned densely from 1 in registration order, so the entry for
// handle h lives at index h-1 and lookup is O(1). Entries are never removed.
// Registration may happen while dispatch is running.
type Table struct {
	mu      sync.RWMutex
	entries []*Entry
	logger  *logrus.Logger
}

// NewTable creates an empty attribute table.
func NewTable(logger *logrus.Logger) *Table {
	if logger == nil {
		logger = logrus.New()
	}
	return &Table{logger: logger}
}

// Register appends a new attribute and returns its handle. Duplicate UUIDs
// are allowed. Register fails with ErrOutOfHandles once handle 0xFFFF is taken.
func (t *Table) Register(uuid ble.UUID, flags Flags, h Handler) (uint16, error) {
	if h == nil {
		return 0, ErrNilHandler
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= MaxHandle {
		return 0, ErrOutOfHandles
	}

	e := &Entry{
		UUID:    uuid,
		Flags:   flags,
		Handle:  uint16(len(t.entries) + 1),
		Handler: h,
	}
	t.entries = append(t.entries, e)

	t.logger.WithFields(logrus.Fields{
		"handle": e.Handle,
		"uuid":   uuid.String(),
		"flags":  flags.String(),
	}).Debug("Attribute registered")

	return e.Handle, nil
}

// FindByHandle returns the entry registered under handle h.
func (t *Table) FindByHandle(h uint16) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := int(h) - 1
	if i < 0 || i >= len(t.entries) {
		return nil, false
	}
	return t.entries[i], true
}

// Walk calls fn for every entry in ascending handle order until fn returns
// WalkStop. It reports WalkStop if the walk ended early.
//
// fn runs on a snapshot of the table, so it may register attributes; those
// are not visited by the current walk.
func (t *Table) Walk(fn WalkFunc) WalkResult {
	t.mu.RLock()
	snapshot := t.entries[:len(t.entries):len(t.entries)]
	t.mu.RUnlock()

	for _, e := range snapshot {
		if fn(e) == WalkStop {
			return WalkStop
		}
	}
	return WalkContinue
}

// Len returns the number of registered attributes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
