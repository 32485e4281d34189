package storage

import (
	"bytes"
	"fmt"
	"unicode"
)

// ascii preview: printable -> itself, else '.'
func asciiPreview(b []byte) string {
	var buf bytes.Buffer
	for _, c := range b {
		r := rune(c)
		if unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			buf.WriteRune(r)
		} else {
			buf.WriteByte('.')
		}
	}
	return buf.String()
}

// DebugString renders the page header and slot directory for manual
// inspection of temp pages.
func (p Page) DebugString() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "=== Sort Page Debug ===\n")
	fmt.Fprintf(&buf, "nslots=%d nrecs=%d align=%d waste=%d\n",
		p.NumSlots(), p.NumRecords(), p.Alignment(), p.WasteAlign())
	fmt.Fprintf(&buf, "tfree=%d cfree=%d foffset=%d pageSize=%d\n",
		p.TotalFree(), p.ContigFree(), p.FreeOffset(), p.size())

	for id := 0; id < p.NumSlots(); id++ {
		s := p.getSlot(id)
		fmt.Fprintf(&buf, "slot[%d] off=%d len=%d type=%s",
			id, s.offset, s.length, s.rtype)
		if data, _, err := p.Peek(id); err == nil {
			preview := data
			if len(preview) > 24 {
				preview = preview[:24]
			}
			fmt.Fprintf(&buf, " data=%q", asciiPreview(preview))
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
