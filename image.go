package rebind

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"golang.org/x/sys/cpu"
)

const (
	segLinkedit  = "__LINKEDIT"
	segData      = "__DATA"
	segDataConst = "__DATA_CONST"
)

const ptrSize = uint64(unsafe.Sizeof(uintptr(0)))

var (
	errNoSymbolTables    = errors.New("no symbol tables")
	errNoIndirectSymbols = errors.New("empty indirect symbol table")
)

// The loader maps images as they are on disk, so everything we read is in
// the host's byte order.
var hostOrder = func() binary.ByteOrder {
	if cpu.IsBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}()

// machoLayout describes the parts of the Mach-O format that depend on the
// word size. Only images matching the host's word size can be loaded, so
// there is only ever one in use.
type machoLayout struct {
	magic      types.Magic
	headerSize int
	segmentCmd types.LoadCmd
	nlistSize  int
	decode     func(raw []byte) (segment, error)
}

var hostLayout = func() machoLayout {
	if ptrSize == 8 {
		return machoLayout{
			magic:      types.Magic64,
			headerSize: types.FileHeaderSize64,
			segmentCmd: types.LC_SEGMENT_64,
			nlistSize:  int(unsafe.Sizeof(types.Nlist64{})),
			decode:     decodeSegment64,
		}
	}
	return machoLayout{
		magic:      types.Magic32,
		headerSize: types.FileHeaderSize32,
		segmentCmd: types.LC_SEGMENT,
		nlistSize:  int(unsafe.Sizeof(types.Nlist32{})),
		decode:     decodeSegment32,
	}
}()

type segment struct {
	name     string
	addr     uint64
	memsz    uint64
	offset   uint64
	filesz   uint64
	sections []section
}

type section struct {
	name      string
	seg       string
	addr      uint64
	size      uint64
	flags     types.SectionFlag
	reserved1 uint32
}

// loadCommands is the subset of an image's load commands needed to find its
// symbol pointers.
type loadCommands struct {
	segments []segment
	linkedit int
	symtab   *types.SymtabCmd
	dysymtab *types.DysymtabCmd
}

// imageTables holds bounded views of an image's symbol table, string table
// and indirect symbol table, along with the symbol pointer sections that
// index into them.
type imageTables struct {
	symtab    []byte
	strtab    []byte
	indirect  []byte
	nlistSize int
	sections  []pointerSection
}

// pointerSection is a lazy or non-lazy symbol pointer section. slots[i] is
// described by the i'th 32-bit entry of indirect.
type pointerSection struct {
	name     string
	slots    []uintptr
	indirect []byte
}

// mapped returns size bytes starting at addr.
func mapped(addr uintptr, size int) []byte {
	if size <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func cstring(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

func parseLoadCommands(header uintptr, l machoLayout) (*loadCommands, error) {
	raw := mapped(header, l.headerSize)

	// The 32-bit header is one word short of types.FileHeader, so pick out
	// the fields by hand.
	magic := types.Magic(hostOrder.Uint32(raw[0:]))
	if magic != l.magic {
		return nil, fmt.Errorf("unexpected magic %#x", uint32(magic))
	}
	ncmds := hostOrder.Uint32(raw[16:])
	sizeofcmds := hostOrder.Uint32(raw[20:])

	cmds := mapped(header+uintptr(l.headerSize), int(sizeofcmds))

	lc := &loadCommands{linkedit: -1}
	off := 0
	for i := uint32(0); i < ncmds; i++ {
		if len(cmds)-off < 8 {
			return nil, fmt.Errorf("load command %d overruns sizeofcmds", i)
		}
		cmd := types.LoadCmd(hostOrder.Uint32(cmds[off:]))
		size := int(hostOrder.Uint32(cmds[off+4:]))
		if size < 8 || size > len(cmds)-off {
			return nil, fmt.Errorf("load command %d has invalid size %d", i, size)
		}
		body := cmds[off : off+size]

		switch cmd {
		case l.segmentCmd:
			seg, err := l.decode(body)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", cmd, err)
			}
			lc.segments = append(lc.segments, seg)
			if seg.name == segLinkedit {
				lc.linkedit = len(lc.segments) - 1
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(body), hostOrder, &st); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", cmd, err)
			}
			lc.symtab = &st
		case types.LC_DYSYMTAB:
			var dst types.DysymtabCmd
			if err := binary.Read(bytes.NewReader(body), hostOrder, &dst); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", cmd, err)
			}
			lc.dysymtab = &dst
		}

		off += size
	}

	return lc, nil
}

func decodeSegment64(raw []byte) (segment, error) {
	r := bytes.NewReader(raw)

	var sc types.Segment64
	if err := binary.Read(r, hostOrder, &sc); err != nil {
		return segment{}, err
	}

	seg := segment{
		name:   cstring(sc.Name[:]),
		addr:   sc.Addr,
		memsz:  sc.Memsz,
		offset: sc.Offset,
		filesz: sc.Filesz,
	}
	for j := uint32(0); j < sc.Nsect; j++ {
		var sh types.Section64
		if err := binary.Read(r, hostOrder, &sh); err != nil {
			return segment{}, fmt.Errorf("section %d: %w", j, err)
		}
		seg.sections = append(seg.sections, section{
			name:      cstring(sh.Name[:]),
			seg:       cstring(sh.Seg[:]),
			addr:      sh.Addr,
			size:      sh.Size,
			flags:     sh.Flags,
			reserved1: sh.Reserve1,
		})
	}
	return seg, nil
}

func decodeSegment32(raw []byte) (segment, error) {
	r := bytes.NewReader(raw)

	var sc types.Segment32
	if err := binary.Read(r, hostOrder, &sc); err != nil {
		return segment{}, err
	}

	seg := segment{
		name:   cstring(sc.Name[:]),
		addr:   uint64(sc.Addr),
		memsz:  uint64(sc.Memsz),
		offset: uint64(sc.Offset),
		filesz: uint64(sc.Filesz),
	}
	for j := uint32(0); j < sc.Nsect; j++ {
		var sh types.Section32
		if err := binary.Read(r, hostOrder, &sh); err != nil {
			return segment{}, fmt.Errorf("section %d: %w", j, err)
		}
		seg.sections = append(seg.sections, section{
			name:      cstring(sh.Name[:]),
			seg:       cstring(sh.Seg[:]),
			addr:      uint64(sh.Addr),
			size:      uint64(sh.Size),
			flags:     sh.Flags,
			reserved1: sh.Reserve1,
		})
	}
	return seg, nil
}

// fileTable returns the in-memory copy of size bytes at file offset off. The
// range must lie within the segment's file contents.
func (s *segment) fileTable(base uintptr, off, size uint64) ([]byte, error) {
	if off < s.offset || off+size < off || off+size > s.offset+s.filesz {
		return nil, fmt.Errorf("range %#x+%#x outside %s", off, size, s.name)
	}
	return mapped(base+uintptr(off), int(size)), nil
}

// resolveImage locates the symbol pointer sections of img and the tables
// needed to name each slot. Images with nothing to rebind return an error
// explaining why; none of them are failures.
func resolveImage(img Image, logger log.Interface) (*imageTables, error) {
	l := hostLayout

	lc, err := parseLoadCommands(img.Header, l)
	if err != nil {
		return nil, err
	}
	if lc.linkedit < 0 || lc.symtab == nil || lc.dysymtab == nil {
		return nil, errNoSymbolTables
	}
	if lc.dysymtab.Nindirectsyms == 0 {
		return nil, errNoIndirectSymbols
	}

	linkedit := &lc.segments[lc.linkedit]
	// The linkedit tables are addressed by file offset, and __LINKEDIT
	// isn't necessarily at the same distance from the start of the file
	// as it is from the load address.
	base := uintptr(img.Slide) + uintptr(linkedit.addr) - uintptr(linkedit.offset)

	t := &imageTables{nlistSize: l.nlistSize}

	t.symtab, err = linkedit.fileTable(base, uint64(lc.symtab.Symoff), uint64(lc.symtab.Nsyms)*uint64(l.nlistSize))
	if err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	t.strtab, err = linkedit.fileTable(base, uint64(lc.symtab.Stroff), uint64(lc.symtab.Strsize))
	if err != nil {
		return nil, fmt.Errorf("string table: %w", err)
	}
	t.indirect, err = linkedit.fileTable(base, uint64(lc.dysymtab.Indirectsymoff), uint64(lc.dysymtab.Nindirectsyms)*4)
	if err != nil {
		return nil, fmt.Errorf("indirect symbol table: %w", err)
	}

	for i := range lc.segments {
		seg := &lc.segments[i]
		if seg.name != segData && seg.name != segDataConst {
			continue
		}

		for _, sect := range seg.sections {
			if !sect.flags.IsLazySymbolPointers() && !sect.flags.IsNonLazySymbolPointers() {
				continue
			}

			ps, err := t.pointerSection(img.Slide, seg, sect)
			if err != nil {
				logger.WithFields(log.Fields{
					"section": seg.name + "," + sect.name,
					"image":   img.String(),
				}).Debugf("skipping section: %v", err)
				continue
			}
			t.sections = append(t.sections, ps)
		}
	}

	return t, nil
}

func (t *imageTables) pointerSection(slide int, seg *segment, sect section) (pointerSection, error) {
	ps := pointerSection{name: seg.name + "," + sect.name}

	if sect.addr < seg.addr || sect.addr+sect.size > seg.addr+seg.memsz {
		return ps, fmt.Errorf("section %#x+%#x escapes segment", sect.addr, sect.size)
	}

	start := uintptr(slide) + uintptr(sect.addr)
	if uint64(start)%ptrSize != 0 {
		return ps, fmt.Errorf("section at %#x is not pointer aligned", start)
	}

	count := sect.size / ptrSize
	if count == 0 {
		return ps, nil
	}

	first := uint64(sect.reserved1)
	available := uint64(len(t.indirect) / 4)
	if first >= available {
		return ps, fmt.Errorf("indirect index %d out of range (%d entries)", first, available)
	}
	if count > available-first {
		count = available - first
	}

	ps.slots = unsafe.Slice((*uintptr)(unsafe.Pointer(start)), count)
	ps.indirect = t.indirect[first*4 : (first+count)*4]
	return ps, nil
}
