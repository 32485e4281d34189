package extsort

import (
	"github.com/tuannm99/novasort/internal/alias/bx"
	"github.com/tuannm99/novasort/internal/storage"
)

// Arena record layout, 8-byte aligned:
//
//	0 u32 length   payload length
//	4 i32 next     arena offset of the next linked duplicate, -1 none
//	8 ... payload
//
// The index arrays the in-memory sort permutes hold arena offsets of
// record starts; a -1 entry is a slot nulled by duplicate handling.
const (
	recHeaderSize = 8
	nilOff        = int32(-1)
)

func (sp *sortParam) recLen(off int32) int {
	return int(bx.U32At(sp.arena, int(off)))
}

func (sp *sortParam) setRecLen(off int32, n int) {
	bx.PutU32At(sp.arena, int(off), uint32(n))
}

func (sp *sortParam) recNext(off int32) int32 {
	return bx.I32At(sp.arena, int(off)+4)
}

func (sp *sortParam) setRecNext(off, next int32) {
	bx.PutI32At(sp.arena, int(off)+4, next)
}

func (sp *sortParam) recPayload(off int32) []byte {
	start := int(off) + recHeaderSize
	return sp.arena[start : start+sp.recLen(off)]
}

// recEnd is the aligned offset just past the record, where the next
// arena record may start.
func (sp *sortParam) recEnd(off int32) int {
	return bx.Align(int(off)+recHeaderSize+sp.recLen(off), storage.MaxAlign)
}

// chainAppend links the record at node to the tail of keeper's
// duplicate chain, preserving encounter order.
func (sp *sortParam) chainAppend(keeper, node int32) {
	tail := keeper
	for sp.recNext(tail) != nilOff {
		tail = sp.recNext(tail)
	}
	sp.setRecNext(tail, node)
}
