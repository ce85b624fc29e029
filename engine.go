package rebind

import (
	"bytes"

	"github.com/apex/log"
)

// Indirect symbol table entries that don't refer to a symbol.
const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

// symbolName returns the string table entry for symbol index idx, including
// its leading underscore.
func (t *imageTables) symbolName(idx uint32) ([]byte, bool) {
	off := uint64(idx) * uint64(t.nlistSize)
	if off+uint64(t.nlistSize) > uint64(len(t.symtab)) {
		return nil, false
	}

	// n_strx is the first field of both nlist and nlist_64.
	strx := hostOrder.Uint32(t.symtab[off:])
	if uint64(strx) >= uint64(len(t.strtab)) {
		return nil, false
	}

	name := t.strtab[strx:]
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return name, true
}

// match finds the record that applies to slot i of ps, if any.
func (t *imageTables) match(chain *entry, ps *pointerSection, i int) (*record, bool) {
	idx := hostOrder.Uint32(ps.indirect[i*4:])
	switch idx {
	case indirectSymbolLocal, indirectSymbolAbs, indirectSymbolLocal | indirectSymbolAbs:
		return nil, false
	}

	name, ok := t.symbolName(idx)
	// Skip the underscore the compiler adds to C symbols. A bare "_"
	// can't match anything.
	if !ok || len(name) < 2 {
		return nil, false
	}

	return chain.lookup(name[1:])
}

// rebindSection rewrites every slot in ps that matches a record in chain and
// returns how many it changed.
func (t *imageTables) rebindSection(chain *entry, ps *pointerSection) int {
	rewritten := 0
	for i := range ps.slots {
		r, ok := t.match(chain, ps, i)
		if !ok {
			continue
		}

		// Don't overwrite the saved original if we've already been here
		// with the same replacement.
		if r.replaced != nil && ps.slots[i] != r.replacement {
			*r.replaced = ps.slots[i]
		}
		ps.slots[i] = r.replacement
		rewritten++
	}
	return rewritten
}

// rebindTables applies chain to every symbol pointer section in t.
func rebindTables(chain *entry, t *imageTables, img Image, logger log.Interface) int {
	total := 0
	for i := range t.sections {
		ps := &t.sections[i]
		n := t.rebindSection(chain, ps)
		if n > 0 {
			logger.WithFields(log.Fields{
				"image":   img.String(),
				"section": ps.name,
				"slots":   n,
			}).Debug("rebound symbol pointers")
		}
		total += n
	}
	return total
}
