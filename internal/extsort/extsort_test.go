package extsort

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novasort/internal/alias/bx"
	"github.com/tuannm99/novasort/internal/storage"
)

// Records under test carry a u32 key (compared) and an arbitrary tail;
// 8-byte records also carry a u32 seq so duplicate order is visible.

func mkRec(key, seq uint32) []byte {
	b := make([]byte, 8)
	bx.PutU32(b, key)
	bx.PutU32(b[4:], seq)
	return b
}

func mkLongRec(key uint32, size int) []byte {
	b := bytes.Repeat([]byte{0x5A}, size)
	bx.PutU32(b, key)
	return b
}

func keyOf(rec []byte) uint32 { return bx.U32(rec) }

func cmpByKey(a, b []byte) int {
	ka, kb := keyOf(a), keyOf(b)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}

// sliceProducer feeds records through the two-call protocol: a record
// wider than the offered window answers DOESNT_FIT with the needed
// length and waits for the grown-buffer retry.
type sliceProducer struct {
	recs [][]byte
	i    int
}

func (p *sliceProducer) get(_ context.Context, rec *RecordDesc) (Status, error) {
	if p.i >= len(p.recs) {
		return StatusNoMoreRecs, nil
	}
	r := p.recs[p.i]
	if len(r) > len(rec.Data) {
		rec.Length = len(r)
		return StatusDoesntFit, nil
	}
	copy(rec.Data, r)
	rec.Length = len(r)
	p.i++
	return StatusSuccess, nil
}

type sliceConsumer struct {
	out [][]byte
}

func (c *sliceConsumer) put(_ context.Context, rec []byte) error {
	c.out = append(c.out, append([]byte(nil), rec...))
	return nil
}

// countingFS wraps a FileService to count temp file creations.
type countingFS struct {
	FileService
	creates int
}

func (c *countingFS) CreateTemp(hint int) (File, error) {
	c.creates++
	return c.FileService.CreateTemp(hint)
}

// spyOverflow records whether the overflow file was ever created.
type spyOverflow struct {
	Overflow
	created bool
}

func (s *spyOverflow) Create(hint int) error {
	s.created = true
	return s.Overflow.Create(hint)
}

type sortEnv struct {
	dir string
	fs  *countingFS
	ovf *spyOverflow
	cfg Config
}

func newSortEnv(t *testing.T, pageSize, bufPages int) *sortEnv {
	t.Helper()
	dir := t.TempDir()
	tm, err := storage.NewTempManager(dir, pageSize)
	require.NoError(t, err)
	return &sortEnv{
		dir: dir,
		fs:  &countingFS{FileService: LocalFileService{TM: tm}},
		ovf: &spyOverflow{Overflow: storage.NewOverflowManager(tm)},
		cfg: Config{PageSize: pageSize, SortBufPages: bufPages},
	}
}

// requireClean asserts that every temp and overflow file is gone.
func (e *sortEnv) requireClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	require.Empty(t, entries, "temp files survived the sort")
}

func runSortOver(t *testing.T, e *sortEnv, recs [][]byte, dup DupPolicy) [][]byte {
	t.Helper()
	prod := &sliceProducer{recs: recs}
	cons := &sliceConsumer{}
	err := Sort(context.Background(), e.cfg, e.fs, e.ovf, -1, prod.get, cons.put, cmpByKey, dup)
	require.NoError(t, err)
	return cons.out
}

func TestSortedIntegersEliminate(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)

	var recs [][]byte
	for k := uint32(1); k <= 10; k++ {
		recs = append(recs, mkRec(k, k-1))
	}
	out := runSortOver(t, e, recs, DupEliminate)

	require.Len(t, out, 10)
	for i, rec := range out {
		assert.Equal(t, uint32(i+1), keyOf(rec))
	}
	// Everything fit in memory: the fast path never touched disk.
	assert.Zero(t, e.fs.creates)
	e.requireClean(t)
}

func TestReversedIntegersLink(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)

	var recs [][]byte
	for k := uint32(10); k >= 1; k-- {
		recs = append(recs, mkRec(k, 10-k))
	}
	out := runSortOver(t, e, recs, DupLink)

	require.Len(t, out, 10)
	for i, rec := range out {
		assert.Equal(t, uint32(i+1), keyOf(rec))
	}
	e.requireClean(t)
}

func TestDuplicatesLinkKeepEncounterOrder(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)

	keys := []uint32{3, 1, 2, 3, 2, 3}
	var recs [][]byte
	for seq, k := range keys {
		recs = append(recs, mkRec(k, uint32(seq)))
	}
	out := runSortOver(t, e, recs, DupLink)

	var gotKeys, gotSeqs []uint32
	for _, rec := range out {
		gotKeys = append(gotKeys, keyOf(rec))
		gotSeqs = append(gotSeqs, bx.U32(rec[4:]))
	}
	assert.Equal(t, []uint32{1, 2, 2, 3, 3, 3}, gotKeys)
	// First producer occurrence keeps the keeper slot; its duplicates
	// follow in encounter order.
	assert.Equal(t, []uint32{1, 2, 4, 0, 3, 5}, gotSeqs)
	e.requireClean(t)
}

func TestDuplicatesEliminate(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)

	keys := []uint32{3, 1, 2, 3, 2, 3}
	var recs [][]byte
	for seq, k := range keys {
		recs = append(recs, mkRec(k, uint32(seq)))
	}
	out := runSortOver(t, e, recs, DupEliminate)

	require.Len(t, out, 3)
	for i, want := range []uint32{1, 2, 3} {
		assert.Equal(t, want, keyOf(out[i]))
	}
	e.requireClean(t)
}

func TestEmptyInput(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)
	out := runSortOver(t, e, nil, DupEliminate)
	assert.Empty(t, out)
	assert.Zero(t, e.fs.creates)
	e.requireClean(t)
}

func TestSingleRecord(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)
	out := runSortOver(t, e, [][]byte{mkRec(42, 0)}, DupLink)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(42), keyOf(out[0]))
	assert.Zero(t, e.fs.creates)
	e.requireClean(t)
}

func TestForcedMultiPassMerge(t *testing.T) {
	// 512-byte pages with a one-page buffer setting give an arena of
	// eight small pages, so a thousand records spill into many runs and
	// several merge passes.
	e := newSortEnv(t, 512, 1)

	rng := rand.New(rand.NewSource(99))
	keys := rng.Perm(1000)
	var recs [][]byte
	for seq, k := range keys {
		recs = append(recs, mkRec(uint32(k), uint32(seq)))
	}
	out := runSortOver(t, e, recs, DupEliminate)

	require.Len(t, out, 1000)
	var got []uint32
	for _, rec := range out {
		got = append(got, keyOf(rec))
	}
	want := make([]uint32, 1000)
	for i := range want {
		want[i] = uint32(i)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	// Both halves of the temp files were in play.
	assert.GreaterOrEqual(t, e.fs.creates, 4)
	e.requireClean(t)
}

func TestMultiPassRunCounts(t *testing.T) {
	// Drives the phases directly to observe run bookkeeping: the run
	// count must exceed the file fan-out, forcing at least two merge
	// passes.
	e := newSortEnv(t, 512, 1)
	cfg := e.cfg

	rng := rand.New(rand.NewSource(7))
	keys := rng.Perm(1000)
	var recs [][]byte
	for seq, k := range keys {
		recs = append(recs, mkRec(uint32(k), uint32(seq)))
	}
	prod := &sliceProducer{recs: recs}
	cons := &sliceConsumer{}

	sp := &sortParam{
		cfg:        cfg,
		files:      e.fs,
		ovf:        e.ovf,
		get:        prod.get,
		put:        cons.put,
		cmp:        cmpByKey,
		dup:        DupLink,
		pageSize:   cfg.PageSize,
		maxRecLen:  storage.MaxRecLen(cfg.PageSize),
		totBuffers: 8,
	}
	sp.halfFiles = numHalfTempFiles(sp.totBuffers, -1)
	sp.totTempFiles = sp.halfFiles * 2
	sp.arena = make([]byte, sp.totBuffers*sp.pageSize)
	sp.temp = make([]File, sp.totTempFiles)
	sp.fileContents = make([]fileContents, sp.totTempFiles)
	for i := range sp.fileContents {
		sp.fileContents[i].reset()
	}
	sp.tmpFilePgs = 1
	defer sp.releaseUsedResources()

	require.NoError(t, sp.inphaseSort(context.Background()))
	require.Greater(t, sp.totRuns, sp.halfFiles)

	maxRuns := 0
	for i := 0; i < sp.halfFiles; i++ {
		if n := sp.fileContents[i].activeRuns(); n > maxRuns {
			maxRuns = n
		}
	}
	require.Greater(t, maxRuns, 1, "a single pass would suffice")

	for i := sp.halfFiles; i < sp.totTempFiles; i++ {
		require.NoError(t, sp.addNewFile(i, sp.avgNumPagesNonempty(), true))
	}
	require.NoError(t, sp.exphaseMerge(context.Background()))

	require.Len(t, cons.out, 1000)
	for i := 1; i < len(cons.out); i++ {
		assert.LessOrEqual(t, keyOf(cons.out[i-1]), keyOf(cons.out[i]))
	}
}

func TestLongRecordAmongSmallOnes(t *testing.T) {
	e := newSortEnv(t, 512, 1)

	var recs [][]byte
	for seq, k := range []uint32{40, 10, 30, 20, 60, 50} {
		recs = append(recs, mkRec(k, uint32(seq)))
	}
	long := mkLongRec(35, 4*512)
	recs = append(recs, long)

	out := runSortOver(t, e, recs, DupEliminate)

	require.Len(t, out, 7)
	var gotKeys []uint32
	for _, rec := range out {
		gotKeys = append(gotKeys, keyOf(rec))
	}
	assert.Equal(t, []uint32{10, 20, 30, 35, 40, 50, 60}, gotKeys)
	assert.Equal(t, long, out[3], "long record round-trips byte-exact")
	assert.True(t, e.ovf.created, "overflow file was used")
	e.requireClean(t)
}

func TestSingleLongRecord(t *testing.T) {
	e := newSortEnv(t, 512, 1)

	long := mkLongRec(7, 3*512)
	out := runSortOver(t, e, [][]byte{long}, DupLink)

	require.Len(t, out, 1)
	assert.Equal(t, long, out[0])
	assert.True(t, e.ovf.created)
	e.requireClean(t)
}

func TestConsumerStopIsSuccess(t *testing.T) {
	e := newSortEnv(t, 16*1024, 128)

	var recs [][]byte
	for k := uint32(1); k <= 10; k++ {
		recs = append(recs, mkRec(k, 0))
	}
	prod := &sliceProducer{recs: recs}
	calls := 0
	put := func(_ context.Context, rec []byte) error {
		calls++
		return Stop
	}

	err := Sort(context.Background(), e.cfg, e.fs, e.ovf, -1, prod.get, put, cmpByKey, DupEliminate)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	e.requireClean(t)
}

func TestConsumerStopDuringMerge(t *testing.T) {
	e := newSortEnv(t, 512, 1)

	rng := rand.New(rand.NewSource(3))
	var recs [][]byte
	for seq, k := range rng.Perm(800) {
		recs = append(recs, mkRec(uint32(k), uint32(seq)))
	}
	prod := &sliceProducer{recs: recs}
	calls := 0
	put := func(_ context.Context, rec []byte) error {
		if calls++; calls >= 5 {
			return Stop
		}
		return nil
	}

	err := Sort(context.Background(), e.cfg, e.fs, e.ovf, -1, prod.get, put, cmpByKey, DupEliminate)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	e.requireClean(t)
}

func TestProducerErrorPropagatesAndCleansUp(t *testing.T) {
	e := newSortEnv(t, 512, 1)
	boom := errors.New("backing scan failed")

	i := 0
	get := func(_ context.Context, rec *RecordDesc) (Status, error) {
		if i >= 700 {
			return 0, boom
		}
		copy(rec.Data, mkRec(uint32(i), 0))
		rec.Length = 8
		i++
		return StatusSuccess, nil
	}
	cons := &sliceConsumer{}

	err := Sort(context.Background(), e.cfg, e.fs, e.ovf, -1, get, cons.put, cmpByKey, DupEliminate)
	require.ErrorIs(t, err, boom)
	e.requireClean(t)
}

func TestSortIsIdempotentOnSortedInput(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	keys := rng.Perm(300)
	var recs [][]byte
	for seq, k := range keys {
		recs = append(recs, mkRec(uint32(k), uint32(seq)))
	}

	e1 := newSortEnv(t, 512, 1)
	first := runSortOver(t, e1, recs, DupEliminate)

	e2 := newSortEnv(t, 512, 1)
	second := runSortOver(t, e2, first, DupEliminate)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("re-sorting sorted output changed it (-first +second):\n%s", diff)
	}
}

func TestOutputIsPermutationUnderLink(t *testing.T) {
	e := newSortEnv(t, 512, 1)

	rng := rand.New(rand.NewSource(21))
	var recs [][]byte
	for seq := 0; seq < 600; seq++ {
		recs = append(recs, mkRec(uint32(rng.Intn(50)), uint32(seq)))
	}
	out := runSortOver(t, e, recs, DupLink)

	require.Len(t, out, len(recs), "LINK never drops records")

	wantSeqs := make([]int, len(recs))
	gotSeqs := make([]int, len(out))
	for i := range recs {
		wantSeqs[i] = i
		gotSeqs[i] = int(bx.U32(out[i][4:]))
	}
	sort.Ints(gotSeqs)
	if diff := cmp.Diff(wantSeqs, gotSeqs); diff != "" {
		t.Fatalf("output is not a permutation of the input (-want +got):\n%s", diff)
	}

	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, keyOf(out[i-1]), keyOf(out[i]))
	}
	e.requireClean(t)
}
