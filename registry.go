package rebind

import (
	"bytes"
	"fmt"
)

// record is a registered Rebinding. The name is held by a nameStore rather
// than pointing into the caller's memory.
type record struct {
	name        []byte
	replacement uintptr
	replaced    *uintptr
}

// entry is one call's worth of rebindings. Entries form a chain, newest
// first, and are never modified after prepend returns them.
type entry struct {
	records []record
	next    *entry
}

// nameStore holds private copies of rebinding names.
type nameStore interface {
	copyName(name string) ([]byte, error)
	free(name []byte)
}

// prepend copies rebindings into a new entry in front of head. If any name
// can't be copied the names copied so far are released and head is left as
// it was.
func prepend(store nameStore, head *entry, rebindings []Rebinding) (*entry, error) {
	e := &entry{
		records: make([]record, 0, len(rebindings)),
		next:    head,
	}

	for _, rb := range rebindings {
		name, err := store.copyName(rb.Name)
		if err != nil {
			release(store, e)
			return nil, fmt.Errorf("%w: copying name %q: %v", ErrNoMemory, rb.Name, err)
		}

		e.records = append(e.records, record{
			name:        name,
			replacement: rb.Replacement,
			replaced:    rb.Replaced,
		})
	}

	return e, nil
}

// release frees the names held by a single entry. Entries further down the
// chain are not touched.
func release(store nameStore, e *entry) {
	if e == nil {
		return
	}
	for _, r := range e.records {
		store.free(r.name)
	}
	e.records = nil
}

// lookup finds the record for symbol, which is the name without its leading
// underscore. Newer entries shadow older ones, and within an entry the first
// record wins.
func (e *entry) lookup(symbol []byte) (*record, bool) {
	for cur := e; cur != nil; cur = cur.next {
		for i := range cur.records {
			if bytes.Equal(cur.records[i].name, symbol) {
				return &cur.records[i], true
			}
		}
	}
	return nil, false
}

// heapStore keeps names on the Go heap. It's used where there's no mmap
// backend for the arena.
type heapStore struct{}

func (heapStore) copyName(name string) ([]byte, error) {
	return []byte(name), nil
}

func (heapStore) free([]byte) {}
