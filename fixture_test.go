package rebind

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sync"
	"testing"
	"unsafe"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/memory"
	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/require"
)

const (
	sectRegular types.SectionFlag = 0x0
	sectNonLazy types.SectionFlag = 0x6
	sectLazy    types.SectionFlag = 0x7
)

const (
	// Where the test images think they're loaded.
	fixtureVMBase = 0x100000000

	// __LINKEDIT is placed this far further into the "file" than it is
	// into memory, so the linkedit base calculation actually matters.
	fixtureLinkeditShift = 0x4000
)

type sectionSpec struct {
	segment string
	name    string
	flags   types.SectionFlag

	// indirect holds the indirect symbol table entry for each slot.
	indirect []uint32
}

type imageSpec struct {
	// symbols are the names in the string table, in symbol table order.
	symbols  []string
	sections []sectionSpec

	noSymtab   bool
	noDysymtab bool
	noLinkedit bool

	// badStrx lists symbols whose string table offset is out of range.
	badStrx []int

	// hugeSymtab claims more symbols than fit in __LINKEDIT.
	hugeSymtab bool
}

type testImage struct {
	Image

	mem []byte

	sectionOffsets map[string]int
	sectionSlots   map[string]int
}

// slots returns the symbol pointers of the named section.
func (ti *testImage) slots(name string) []uintptr {
	off, ok := ti.sectionOffsets[name]
	if !ok {
		panic("no section " + name)
	}
	n := ti.sectionSlots[name]
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(&ti.mem[off])), n)
}

// snapshot copies the symbol pointers of the named section.
func (ti *testImage) snapshot(name string) []uintptr {
	return slices.Clone(ti.slots(name))
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func segName(name string) (b [16]byte) {
	copy(b[:], name)
	return
}

// buildImage lays out a 64-bit Mach-O image in memory with a __TEXT segment
// covering the header, one segment per distinct sectionSpec.segment, and a
// __LINKEDIT segment holding the symbol, indirect symbol and string tables.
//
// Slot i of the n'th section initially holds 0xdead0000 + n<<8 + i.
func buildImage(t *testing.T, spec imageSpec) *testImage {
	t.Helper()
	if ptrSize != 8 {
		t.Skip("test images are 64-bit")
	}

	const (
		headerSize   = types.FileHeaderSize64
		segmentSize  = 72
		sectionSize  = 80
		symtabSize   = 24
		dysymtabSize = 80
		nlistSize    = 16
	)

	var segOrder []string
	bySeg := map[string][]int{}
	for i, s := range spec.sections {
		if _, ok := bySeg[s.segment]; !ok {
			segOrder = append(segOrder, s.segment)
		}
		bySeg[s.segment] = append(bySeg[s.segment], i)
	}

	ncmds := 1 + len(segOrder)
	sizeofcmds := segmentSize + len(segOrder)*segmentSize + len(spec.sections)*sectionSize
	if !spec.noLinkedit {
		ncmds++
		sizeofcmds += segmentSize
	}
	if !spec.noSymtab {
		ncmds++
		sizeofcmds += symtabSize
	}
	if !spec.noDysymtab {
		ncmds++
		sizeofcmds += dysymtabSize
	}

	textSize := align8(headerSize + sizeofcmds)

	// Section contents, grouped by segment.
	sectOff := make([]int, len(spec.sections))
	segStart := map[string]int{}
	segEnd := map[string]int{}
	off := textSize
	for _, seg := range segOrder {
		segStart[seg] = off
		for _, i := range bySeg[seg] {
			sectOff[i] = off
			off += len(spec.sections[i].indirect) * 8
		}
		segEnd[seg] = off
	}

	// Linkedit contents.
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strx := make([]uint32, len(spec.symbols))
	for i, name := range spec.symbols {
		strx[i] = uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)
	}
	for _, i := range spec.badStrx {
		strx[i] = 0x0fffffff
	}

	reserved1 := make([]uint32, len(spec.sections))
	var indirect []uint32
	for i, s := range spec.sections {
		reserved1[i] = uint32(len(indirect))
		indirect = append(indirect, s.indirect...)
	}

	linkeditOff := off
	symOff := 0
	indirectOff := symOff + len(spec.symbols)*nlistSize
	strOff := indirectOff + len(indirect)*4
	linkeditSize := align8(strOff + strtab.Len())
	total := linkeditOff + linkeditSize

	ti := &testImage{
		mem:            imageMemory(t, total),
		sectionOffsets: map[string]int{},
		sectionSlots:   map[string]int{},
	}

	// Load commands.
	var buf bytes.Buffer
	write := func(v any) {
		require.NoError(t, binary.Write(&buf, hostOrder, v))
	}

	write(types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPU(0x0100000c),
		Type:         types.MH_DYLIB,
		NCommands:    uint32(ncmds),
		SizeCommands: uint32(sizeofcmds),
	})
	write(types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     segmentSize,
		Name:    segName("__TEXT"),
		Addr:    fixtureVMBase,
		Memsz:   uint64(textSize),
		Offset:  0,
		Filesz:  uint64(textSize),
	})
	for _, seg := range segOrder {
		sects := bySeg[seg]
		write(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     uint32(segmentSize + len(sects)*sectionSize),
			Name:    segName(seg),
			Addr:    fixtureVMBase + uint64(segStart[seg]),
			Memsz:   uint64(segEnd[seg] - segStart[seg]),
			Offset:  uint64(segStart[seg]),
			Filesz:  uint64(segEnd[seg] - segStart[seg]),
			Nsect:   uint32(len(sects)),
		})
		for _, i := range sects {
			s := spec.sections[i]
			write(types.Section64{
				Name:     segName(s.name),
				Seg:      segName(s.segment),
				Addr:     fixtureVMBase + uint64(sectOff[i]),
				Size:     uint64(len(s.indirect) * 8),
				Offset:   uint32(sectOff[i]),
				Align:    3,
				Flags:    s.flags,
				Reserve1: reserved1[i],
			})
		}
	}

	linkeditFileOff := uint32(linkeditOff + fixtureLinkeditShift)
	if !spec.noLinkedit {
		write(types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segmentSize,
			Name:    segName("__LINKEDIT"),
			Addr:    fixtureVMBase + uint64(linkeditOff),
			Memsz:   uint64(linkeditSize),
			Offset:  uint64(linkeditFileOff),
			Filesz:  uint64(linkeditSize),
		})
	}
	if !spec.noSymtab {
		nsyms := uint32(len(spec.symbols))
		if spec.hugeSymtab {
			nsyms = 0x00ffffff
		}
		write(types.SymtabCmd{
			LoadCmd: types.LC_SYMTAB,
			Len:     symtabSize,
			Symoff:  linkeditFileOff + uint32(symOff),
			Nsyms:   nsyms,
			Stroff:  linkeditFileOff + uint32(strOff),
			Strsize: uint32(strtab.Len()),
		})
	}
	if !spec.noDysymtab {
		write(types.DysymtabCmd{
			LoadCmd:        types.LC_DYSYMTAB,
			Len:            dysymtabSize,
			Indirectsymoff: linkeditFileOff + uint32(indirectOff),
			Nindirectsyms:  uint32(len(indirect)),
		})
	}
	require.Equal(t, headerSize+sizeofcmds, buf.Len())
	copy(ti.mem, buf.Bytes())

	// Linkedit tables.
	le := ti.mem[linkeditOff:]
	for i := range spec.symbols {
		hostOrder.PutUint32(le[symOff+i*nlistSize:], strx[i])
	}
	for i, idx := range indirect {
		hostOrder.PutUint32(le[indirectOff+i*4:], idx)
	}
	copy(le[strOff:], strtab.Bytes())

	// Initial slot values.
	for n, s := range spec.sections {
		ti.sectionOffsets[s.name] = sectOff[n]
		ti.sectionSlots[s.name] = len(s.indirect)
		slots := ti.slots(s.name)
		for i := range slots {
			slots[i] = uintptr(0xdead0000 + n<<8 + i)
		}
	}

	base := uintptr(unsafe.Pointer(&ti.mem[0]))
	var vmBase uint64 = fixtureVMBase
	ti.Image = Image{
		Header: base,
		Slide:  int(uint64(base) - vmBase),
		Path:   t.Name(),
	}
	return ti
}

// fakeLoader behaves like dyld: Subscribe replays the images already loaded
// and load announces a new one to every subscriber.
type fakeLoader struct {
	mu             sync.Mutex
	images         []Image
	unknown        map[uintptr]bool
	subscribers    []func(Image)
	subscribeCalls int
	imagesCalls    int
}

func (l *fakeLoader) Known(header uintptr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.unknown[header]
}

func (l *fakeLoader) Images() []Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.imagesCalls++
	return slices.Clone(l.images)
}

func (l *fakeLoader) Subscribe(fn func(Image)) {
	l.mu.Lock()
	l.subscribeCalls++
	l.subscribers = append(l.subscribers, fn)
	images := slices.Clone(l.images)
	l.mu.Unlock()

	for _, img := range images {
		fn(img)
	}
}

func (l *fakeLoader) load(img Image) {
	l.mu.Lock()
	l.images = append(l.images, img)
	subscribers := slices.Clone(l.subscribers)
	l.mu.Unlock()

	for _, fn := range subscribers {
		fn(img)
	}
}

func (l *fakeLoader) forget(img Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unknown == nil {
		l.unknown = map[uintptr]bool{}
	}
	l.unknown[img.Header] = true
}

func newTestRebinder(t *testing.T, loader Loader) (*Rebinder, *memory.Handler) {
	t.Helper()
	h := memory.New()
	r := New(
		WithLoader(loader),
		WithLogger(&log.Logger{Handler: h, Level: log.DebugLevel}),
	)
	return r, h
}

func logMessages(h *memory.Handler) []string {
	var msgs []string
	for _, e := range h.Entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func discardLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
}
