package storage

import (
	"fmt"

	"github.com/tuannm99/novasort/internal/alias/bx"
)

// Overflow page layout:
//
// offset Size Field
// 0      4    nextPage
// 4      2    usedBytes
// 6      n    dataChunk -- max(n) = pageSize - 6
//
// Values longer than one chunk span multiple pages linked by nextPage.
const (
	overflowOffNext    = 0
	overflowOffLen     = 4
	overflowHeaderSize = 6

	overflowNoNext uint32 = 0xFFFFFFFF

	// HandleSize is the encoded size of an overflow handle: first
	// page id + total length, 4 bytes each.
	HandleSize = 8
)

// OverflowHandle addresses one stored long record.
type OverflowHandle struct {
	FirstPage uint32
	Length    uint32
}

// EncodeHandle packs the handle into dst (HandleSize bytes).
func EncodeHandle(h OverflowHandle, dst []byte) {
	bx.PutU32At(dst, 0, h.FirstPage)
	bx.PutU32At(dst, 4, h.Length)
}

// DecodeHandle unpacks a handle encoded by EncodeHandle.
func DecodeHandle(src []byte) OverflowHandle {
	return OverflowHandle{
		FirstPage: bx.U32At(src, 0),
		Length:    bx.U32At(src, 4),
	}
}

// OverflowManager stores records that exceed one slotted page's
// payload in a dedicated temp file, as a chain of overflow pages. The
// file is created by Create, which must precede the first Insert, and
// torn down with Destroy.
type OverflowManager struct {
	tm       *TempManager
	file     *TempFile
	pageSize int
	nextPage uint32
	scratch  []byte
}

func NewOverflowManager(tm *TempManager) *OverflowManager {
	return &OverflowManager{
		tm:       tm,
		pageSize: tm.PageSize(),
		scratch:  make([]byte, tm.PageSize()),
	}
}

// Created reports whether the backing temp file exists yet.
func (om *OverflowManager) Created() bool { return om.file != nil }

// Create materializes the backing temp file with a size hint.
func (om *OverflowManager) Create(hintPages int) error {
	if om.file != nil {
		return nil
	}
	f, err := om.tm.CreateTemp(hintPages)
	if err != nil {
		return fmt.Errorf("overflow file: %w", err)
	}
	om.file = f
	return nil
}

// Insert stores value as a page chain and returns its handle, encoded
// into HandleSize bytes. Create must have been called.
func (om *OverflowManager) Insert(value []byte) ([]byte, error) {
	if om.file == nil {
		return nil, fmt.Errorf("overflow insert: %w", ErrFileDestroyed)
	}

	payloadMax := om.pageSize - overflowHeaderSize
	first := om.nextPage

	remaining := len(value)
	offset := 0
	for {
		chunk := remaining
		if chunk > payloadMax {
			chunk = payloadMax
		}

		page := om.nextPage
		om.nextPage++

		next := overflowNoNext
		if remaining > chunk {
			next = om.nextPage
		}

		buf := om.scratch
		bx.PutU32At(buf, overflowOffNext, next)
		bx.PutU16At(buf, overflowOffLen, uint16(chunk))
		copy(buf[overflowHeaderSize:overflowHeaderSize+chunk], value[offset:offset+chunk])

		if err := om.file.WritePages(int(page), 1, buf); err != nil {
			return nil, fmt.Errorf("overflow insert: %w", err)
		}

		offset += chunk
		remaining -= chunk
		if remaining == 0 {
			break
		}
	}

	handle := make([]byte, HandleSize)
	EncodeHandle(OverflowHandle{FirstPage: first, Length: uint32(len(value))}, handle)
	return handle, nil
}

// Length returns the stored record's full length for a handle.
func (om *OverflowManager) Length(handle []byte) (int, error) {
	if len(handle) < HandleSize {
		return 0, fmt.Errorf("overflow length: short handle (%d bytes)", len(handle))
	}
	return int(DecodeHandle(handle).Length), nil
}

// Retrieve walks the page chain behind handle and copies the full
// record into dst, which must hold Length(handle) bytes.
func (om *OverflowManager) Retrieve(handle []byte, dst []byte) error {
	if om.file == nil {
		return fmt.Errorf("overflow retrieve: %w", ErrFileDestroyed)
	}
	h := DecodeHandle(handle)
	if len(dst) < int(h.Length) {
		return fmt.Errorf("overflow retrieve: dst holds %d bytes, need %d", len(dst), h.Length)
	}

	remaining := int(h.Length)
	page := h.FirstPage
	pos := 0
	for remaining > 0 {
		if err := om.file.ReadPages(int(page), 1, om.scratch); err != nil {
			return fmt.Errorf("overflow retrieve: %w", err)
		}
		next := bx.U32At(om.scratch, overflowOffNext)
		used := int(bx.U16At(om.scratch, overflowOffLen))
		if used > remaining {
			used = remaining
		}
		copy(dst[pos:pos+used], om.scratch[overflowHeaderSize:overflowHeaderSize+used])
		pos += used
		remaining -= used
		if next == overflowNoNext {
			break
		}
		page = next
	}
	if remaining != 0 {
		return fmt.Errorf("overflow retrieve: chain ended %d bytes short", remaining)
	}
	return nil
}

// Destroy tears down the backing file. Idempotent; a never-created
// manager is a no-op.
func (om *OverflowManager) Destroy() error {
	if om.file == nil {
		return nil
	}
	err := om.file.Destroy()
	om.file = nil
	om.nextPage = 0
	return err
}
