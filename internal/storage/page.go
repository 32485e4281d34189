package storage

import (
	"sort"

	"github.com/tuannm99/novasort/internal/alias/bx"
)

// Sort slotted page layout:
//
// +------------------+ 0
// | header (16B)     |
// +------------------+ <- record area, grows up
// | records ...      |
// |                  | <- foffset: first free byte
// |   free space     |
// |                  |
// | slot directory   | <- grows down from the page tail
// +------------------+ PageSize
//
// Header fields, all int16 little-endian:
//
//	0  nslots      allocated slots
//	2  nrecs       live records
//	4  anchor      anchor policy
//	6  alignment   record alignment (1,2,4,8)
//	8  wasteAlign  bytes lost to alignment padding
//	10 tfree       total free bytes
//	12 cfree       contiguous free bytes
//	14 foffset     offset of the first free byte in the record area
const (
	HeaderSize = 16
	SlotSize   = 6

	offNSlots     = 0
	offNRecs      = 2
	offAnchor     = 4
	offAlignment  = 6
	offWasteAlign = 8
	offTFree      = 10
	offCFree      = 12
	offFOffset    = 14
)

// MaxRecLen is the largest record an empty page is guaranteed to hold:
// the record area minus one fresh slot, rounded down so the alignment
// padding charged on insert can never push it out.
func MaxRecLen(pageSize int) int {
	free := pageSize - HeaderSize - SlotSize
	return free - free%MaxAlign
}

// Page wraps one fixed-size page buffer. The zero value is unusable;
// call Init (or read the page back from a temp file) first.
type Page struct {
	Buf []byte
}

type slot struct {
	offset int16
	length int16
	rtype  RecType
}

func (p Page) size() int { return len(p.Buf) }

func (p Page) NumSlots() int     { return int(bx.I16At(p.Buf, offNSlots)) }
func (p Page) NumRecords() int   { return int(bx.I16At(p.Buf, offNRecs)) }
func (p Page) TotalFree() int    { return int(bx.I16At(p.Buf, offTFree)) }
func (p Page) ContigFree() int   { return int(bx.I16At(p.Buf, offCFree)) }
func (p Page) FreeOffset() int   { return int(bx.I16At(p.Buf, offFOffset)) }
func (p Page) WasteAlign() int   { return int(bx.I16At(p.Buf, offWasteAlign)) }
func (p Page) Alignment() int    { return int(bx.I16At(p.Buf, offAlignment)) }
func (p Page) Anchor() AnchorType {
	return AnchorType(bx.I16At(p.Buf, offAnchor))
}

func (p Page) setNSlots(v int)   { bx.PutI16At(p.Buf, offNSlots, int16(v)) }
func (p Page) setNRecs(v int)    { bx.PutI16At(p.Buf, offNRecs, int16(v)) }
func (p Page) setTFree(v int)    { bx.PutI16At(p.Buf, offTFree, int16(v)) }
func (p Page) setCFree(v int)    { bx.PutI16At(p.Buf, offCFree, int16(v)) }
func (p Page) setFOffset(v int)  { bx.PutI16At(p.Buf, offFOffset, int16(v)) }
func (p Page) setWaste(v int)    { bx.PutI16At(p.Buf, offWasteAlign, int16(v)) }

func (p Page) slotOff(id int) int { return p.size() - (id+1)*SlotSize }

func (p Page) getSlot(id int) slot {
	o := p.slotOff(id)
	return slot{
		offset: bx.I16At(p.Buf, o),
		length: bx.I16At(p.Buf, o+2),
		rtype:  RecType(bx.I16At(p.Buf, o+4)),
	}
}

func (p Page) putSlot(id int, s slot) {
	o := p.slotOff(id)
	bx.PutI16At(p.Buf, o, s.offset)
	bx.PutI16At(p.Buf, o+2, s.length)
	bx.PutI16At(p.Buf, o+4, int16(s.rtype))
}

// Init prepares the buffer as an empty slotted page. The free-area
// offset starts at the header rounded up to the requested alignment;
// the rounding difference is charged to wasteAlign.
func (p Page) Init(anchor AnchorType, alignment int) {
	p.setNSlots(0)
	p.setNRecs(0)
	bx.PutI16At(p.Buf, offAnchor, int16(anchor))
	bx.PutI16At(p.Buf, offAlignment, int16(alignment))

	tfree := p.size() - HeaderSize
	foffset := HeaderSize
	waste := bx.Wasted(foffset, alignment)

	p.setWaste(waste)
	p.setTFree(tfree - waste)
	p.setCFree(tfree - waste)
	p.setFOffset(foffset + waste)
}

// findFree locates a slot for a record of the given length, reusing a
// DELETED_WILL_REUSE slot before allocating a fresh one. Returns the
// slot id and whether the slot is fresh, or ErrNotEnoughSpace.
func (p Page) findFree(length int) (id int, fresh bool, err error) {
	align := p.Alignment()
	space := length + bx.Wasted(length, align)

	nslots := p.NumSlots()
	nrecs := p.NumRecords()

	if nslots == nrecs {
		// No reusable slot; a fresh one costs directory space too.
		if space+SlotSize > p.TotalFree() {
			return 0, false, ErrNotEnoughSpace
		}
		return nslots, true, nil
	}

	for id = 0; id < nslots; id++ {
		if p.getSlot(id).rtype == RecDeletedWillReuse {
			if space > p.TotalFree() {
				return 0, false, ErrNotEnoughSpace
			}
			return id, false, nil
		}
	}

	if space+SlotSize > p.TotalFree() {
		return 0, false, ErrNotEnoughSpace
	}
	return nslots, true, nil
}

// Insert places rec on the page and returns its slot id. The record
// must not exceed MaxRecLen for this page size. Compacts first when
// the total free space suffices but the contiguous area does not.
func (p Page) Insert(rec []byte, typ RecType) (int, error) {
	align := p.Alignment()
	waste := bx.Wasted(len(rec), align)

	id, fresh, err := p.findFree(len(rec))
	if err != nil {
		return 0, err
	}

	space := len(rec) + waste
	if fresh {
		space += SlotSize
	}
	if space > p.ContigFree() {
		p.Compact()
	}

	off := p.FreeOffset()
	copy(p.Buf[off:off+len(rec)], rec)
	p.putSlot(id, slot{offset: int16(off), length: int16(len(rec)), rtype: typ})

	if fresh {
		p.setNSlots(p.NumSlots() + 1)
	}
	p.setNRecs(p.NumRecords() + 1)
	p.setTFree(p.TotalFree() - space)
	p.setCFree(p.ContigFree() - space)
	p.setFOffset(off + len(rec) + waste)
	p.setWaste(p.WasteAlign() + waste)

	return id, nil
}

// Peek returns a borrow into the page for the record at slot id.
func (p Page) Peek(id int) ([]byte, RecType, error) {
	if id < 0 || id >= p.NumSlots() {
		return nil, 0, ErrSlotNotFound
	}
	s := p.getSlot(id)
	if s.rtype == RecDeletedWillReuse || s.rtype == RecMarkDeleted {
		return nil, 0, ErrSlotNotFound
	}
	return p.Buf[s.offset : int(s.offset)+int(s.length)], s.rtype, nil
}

// Copy copies the record at slot id into dst, returning the record
// length and type. When dst is too small the needed length is still
// returned, with ErrBufferTooSmall.
func (p Page) Copy(id int, dst []byte) (int, RecType, error) {
	data, typ, err := p.Peek(id)
	if err != nil {
		return 0, 0, err
	}
	if len(data) > len(dst) {
		return len(data), typ, ErrBufferTooSmall
	}
	copy(dst, data)
	return len(data), typ, nil
}

// Compact rewrites the live records bottom-up in ascending offset
// order, re-aligning each record and restoring one contiguous free
// area. Slots keep their ids.
func (p Page) Compact() {
	align := p.Alignment()

	live := make([]int, 0, p.NumRecords())
	for id := 0; id < p.NumSlots(); id++ {
		s := p.getSlot(id)
		if s.rtype != RecDeletedWillReuse && s.rtype != RecMarkDeleted {
			live = append(live, id)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return p.getSlot(live[i]).offset < p.getSlot(live[j]).offset
	})

	to := bx.Align(HeaderSize, align)
	for _, id := range live {
		s := p.getSlot(id)
		if int(s.offset) != to {
			copy(p.Buf[to:to+int(s.length)], p.Buf[s.offset:int(s.offset)+int(s.length)])
			s.offset = int16(to)
			p.putSlot(id, s)
		}
		to = bx.Align(to+int(s.length), align)
	}

	free := p.size() - to - p.NumSlots()*SlotSize
	p.setTFree(free)
	p.setCFree(free)
	p.setFOffset(to)
}
