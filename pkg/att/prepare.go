package att

import (
	"sync"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type preparedSegment struct {
	offset int
	value  []byte
}

type preparedValue struct {
	entry    *Entry
	segments []preparedSegment
}

// prepareQueue holds the segments a peer has prepared on one connection,
// grouped by handle in the order each handle was first prepared.
type prepareQueue struct {
	mu     sync.Mutex
	values *orderedmap.OrderedMap[uint16, *preparedValue]
	n      int
}

func newPrepareQueue() *prepareQueue {
	return &prepareQueue{values: orderedmap.New[uint16, *preparedValue]()}
}

func (q *prepareQueue) add(e *Entry, offset int, v []byte, limit int) *attErr {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n >= limit {
		return refuse(ble.ErrPrepQueueFull, e.Handle)
	}

	pv, ok := q.values.Get(e.Handle)
	if !ok {
		pv = &preparedValue{entry: e}
		q.values.Set(e.Handle, pv)
	}
	pv.segments = append(pv.segments, preparedSegment{offset: offset, value: append([]byte(nil), v...)})
	q.n++
	return nil
}

func (q *prepareQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values = orderedmap.New[uint16, *preparedValue]()
	q.n = 0
}

// commit assembles every prepared value and writes it through its handler,
// in the order the handles were first prepared. All values are validated
// before the first write. A handler failure stops the commit: values already
// written stay written and later ones are discarded. The queue is empty
// afterwards whatever the outcome.
func (q *prepareQueue) commit(conn uint16, maxLen int) *attErr {
	q.mu.Lock()
	values := q.values
	q.values = orderedmap.New[uint16, *preparedValue]()
	q.n = 0
	q.mu.Unlock()

	type write struct {
		entry *Entry
		value []byte
	}
	writes := make([]write, 0, values.Len())

	for pair := values.Oldest(); pair != nil; pair = pair.Next() {
		var buf []byte
		for _, seg := range pair.Value.segments {
			if seg.offset != len(buf) {
				return refuse(ble.ErrInvalidOffset, pair.Key)
			}
			buf = append(buf, seg.value...)
			if len(buf) > maxLen {
				return refuse(ble.ErrInvalAttrValueLen, pair.Key)
			}
		}
		writes = append(writes, write{entry: pair.Value.entry, value: buf})
	}

	for _, w := range writes {
		req := &Request{Conn: conn, Op: OpWrite, Entry: w.entry, Value: w.value}
		if _, code := w.entry.Handler.ServeATT(req); code != ble.ErrSuccess {
			return refuse(code, w.entry.Handle)
		}
	}
	return nil
}
