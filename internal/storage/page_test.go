package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 16 * OneKB

func newSortPage(t *testing.T) Page {
	t.Helper()
	p := Page{Buf: make([]byte, testPageSize)}
	p.Init(UnanchoredKeepSequence, MaxAlign)

	assert.Equal(t, 0, p.NumSlots())
	assert.Equal(t, 0, p.NumRecords())
	assert.Equal(t, p.TotalFree(), p.ContigFree())
	assert.Equal(t, MaxAlign, p.Alignment())
	return p
}

func pageInvariants(t *testing.T, p Page) {
	t.Helper()
	assert.LessOrEqual(t, p.ContigFree(), p.TotalFree())
	assert.LessOrEqual(t, p.TotalFree(), testPageSize-HeaderSize)
	for id := 0; id < p.NumSlots(); id++ {
		data, _, err := p.Peek(id)
		if err != nil {
			continue
		}
		s := p.getSlot(id)
		assert.LessOrEqual(t, int(s.offset)+len(data), p.FreeOffset())
		assert.Zero(t, int(s.offset)%p.Alignment())
	}
}

func TestPageInsertGetRoundTrip(t *testing.T) {
	p := newSortPage(t)

	rec := []byte("data string of slot 0")
	slot, err := p.Insert(rec, RecHome)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	got, typ, err := p.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, RecHome, typ)
	assert.Equal(t, rec, got)

	dst := make([]byte, len(rec))
	n, typ, err := p.Copy(0, dst)
	require.NoError(t, err)
	assert.Equal(t, RecHome, typ)
	assert.Equal(t, rec, dst[:n])

	// Undersized caller buffer: the needed length still comes back.
	n, _, err = p.Copy(0, make([]byte, 4))
	require.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Equal(t, len(rec), n)

	_, _, err = p.Peek(1)
	require.ErrorIs(t, err, ErrSlotNotFound)
	_, _, err = p.Peek(-1)
	require.ErrorIs(t, err, ErrSlotNotFound)

	assert.NotEmpty(t, p.DebugString())
	pageInvariants(t, p)
}

func TestPageFillsAndRefuses(t *testing.T) {
	p := newSortPage(t)

	rec := bytes.Repeat([]byte("x"), 100)
	inserted := 0
	for {
		_, err := p.Insert(rec, RecHome)
		if err != nil {
			require.ErrorIs(t, err, ErrNotEnoughSpace)
			break
		}
		inserted++
	}
	assert.Greater(t, inserted, 100)
	assert.Equal(t, inserted, p.NumRecords())
	pageInvariants(t, p)

	// A payload-max record always fits an empty page; one byte more
	// never does.
	p2 := newSortPage(t)
	_, err := p2.Insert(bytes.Repeat([]byte("y"), MaxRecLen(testPageSize)), RecHome)
	require.NoError(t, err)

	p3 := newSortPage(t)
	_, err = p3.Insert(bytes.Repeat([]byte("y"), MaxRecLen(testPageSize)+1), RecHome)
	require.ErrorIs(t, err, ErrNotEnoughSpace)
}

func TestPageDeletedSlotReuse(t *testing.T) {
	p := newSortPage(t)

	for i := 0; i < 3; i++ {
		_, err := p.Insert([]byte("record"), RecHome)
		require.NoError(t, err)
	}

	// Retire slot 1 the way a caller would mark it reusable.
	s := p.getSlot(1)
	s.rtype = RecDeletedWillReuse
	p.putSlot(1, s)
	p.setNRecs(p.NumRecords() - 1)

	slot, err := p.Insert([]byte("replacement"), RecHome)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, 3, p.NumSlots())

	got, _, err := p.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("replacement"), got)
}

func TestPageCompactPreservesRecords(t *testing.T) {
	p := newSortPage(t)

	records := [][]byte{
		[]byte("first record"),
		[]byte("second, a bit longer record"),
		[]byte("third"),
		bytes.Repeat([]byte("z"), 500),
	}
	for _, r := range records {
		_, err := p.Insert(r, RecHome)
		require.NoError(t, err)
	}

	p.Compact()

	for i, want := range records {
		got, _, err := p.Peek(i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "slot %d after compact", i)
	}
	assert.Equal(t, p.TotalFree(), p.ContigFree())
	pageInvariants(t, p)

	// Compacting an already compact page changes nothing.
	before := append([]byte(nil), p.Buf...)
	p.Compact()
	assert.Equal(t, before, p.Buf)
}

func TestPageCompactReclaimsHoles(t *testing.T) {
	p := newSortPage(t)

	big := bytes.Repeat([]byte("a"), 2000)
	for i := 0; i < 5; i++ {
		_, err := p.Insert(big, RecHome)
		require.NoError(t, err)
	}

	// Punch holes in the record area.
	for _, id := range []int{1, 3} {
		s := p.getSlot(id)
		s.rtype = RecDeletedWillReuse
		p.putSlot(id, s)
		p.setNRecs(p.NumRecords() - 1)
	}

	p.Compact()
	assert.Equal(t, p.TotalFree(), p.ContigFree())

	for _, id := range []int{0, 2, 4} {
		got, _, err := p.Peek(id)
		require.NoError(t, err)
		assert.Equal(t, big, got)
	}
}
