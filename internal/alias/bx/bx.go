// stand for bytes helper
package bx

import "encoding/binary"

var LE = binary.LittleEndian

// --- LE: read ---
func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func I16(b []byte) int16  { return int16(U16(b)) }
func I32(b []byte) int32  { return int32(U32(b)) }

// --- LE: write ---
func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }

// --- LE: At (offset) ---
func U16At(b []byte, off int) uint16       { return U16(b[off:]) }
func U32At(b []byte, off int) uint32       { return U32(b[off:]) }
func I16At(b []byte, off int) int16        { return I16(b[off:]) }
func I32At(b []byte, off int) int32        { return I32(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { PutU16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { PutU32(b[off:], v) }
func PutI16At(b []byte, off int, v int16)  { PutU16(b[off:], uint16(v)) }
func PutI32At(b []byte, off int, v int32)  { PutU32(b[off:], uint32(v)) }

// Align rounds n up to the next multiple of align. align must be a
// power of two.
func Align(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Wasted returns the padding Align would add to n.
func Wasted(n, align int) int {
	return Align(n, align) - n
}
