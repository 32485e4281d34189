package extsort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/novasort/internal/storage"
)

// ptrCell is the arena byte cost charged per index entry: one cell for
// the index array and one for the sort's ping-pong scratch array.
const ptrCell = 16

// inphaseSort drives the producer: records accumulate in the arena,
// the indexed in-memory sort orders each full batch, and sorted
// batches flush to the input-half temp files as runs. Inputs that
// never overflow memory stream straight to the consumer.
func (sp *sortParam) inphaseSort(ctx context.Context) error {
	curPage := make([]int, sp.halfFiles)
	outCurFile := sp.inHalf

	// The last arena page is reserved as the flush scratch page.
	outputBuffer := sp.arena[(sp.totBuffers-1)*sp.pageSize:]
	itemsCap := (sp.totBuffers - 1) * sp.pageSize

	var (
		index       []int32
		scratch     []int32
		itemOff     int
		numrecs     int
		sortNumrecs int

		onceFlushed bool
		savedIndex  []int32

		longBuf []byte
	)
	sp.totRuns = 0

	resetArena := func() {
		index = index[:0]
		numrecs = 0
		sortNumrecs = 0
		itemOff = 0
	}
	rotateOutFile := func() {
		if outCurFile++; outCurFile >= sp.inHalf+sp.halfFiles {
			outCurFile = sp.inHalf
		}
	}

	for {
		var (
			status       Status
			rec          RecordDesc
			offered      int
			fromProducer bool
			err          error
		)

		avail := itemsCap - itemOff - ptrCell*(numrecs+2) - recHeaderSize
		if avail < 1 {
			// Arena is already full.
			status = StatusDoesntFit
		} else {
			fromProducer = true
			offered = avail
			if offered > sp.maxRecLen {
				offered = sp.maxRecLen
			}
			rec.Data = sp.arena[itemOff+recHeaderSize : itemOff+recHeaderSize+offered]
			status, err = sp.get(ctx, &rec)
			if err != nil {
				return err
			}
			if status == StatusNoMoreRecs {
				break
			}
		}

		switch status {
		case StatusDoesntFit:
			if numrecs > 0 {
				numrecs = sp.runSort(index[:numrecs], sp.growScratch(&scratch, numrecs), numrecs, sortNumrecs)
				index = index[:numrecs]

				if sp.dup == DupEliminate && rec.Length <= sp.maxRecLen &&
					sp.fitsOnePage(index, numrecs) {
					// Elimination freed enough headroom: keep filling
					// in place instead of flushing a tiny run.
					itemOff = sp.liveHighWater(index)
					sortNumrecs = numrecs
					continue
				}

				if err := sp.runFlush(outCurFile, curPage, outputBuffer, index, numrecs, storage.RecHome); err != nil {
					return err
				}
				if sp.totRuns == 1 {
					onceFlushed = true
					savedIndex = append(savedIndex[:0], index[:numrecs]...)
				}
				resetArena()
				rotateOutFile()
			}

			if rec.Length > sp.maxRecLen {
				if err := sp.flushLongRecord(ctx, &longBuf, rec.Length, outCurFile, curPage, outputBuffer, &index); err != nil {
					return err
				}
				resetArena()
				rotateOutFile()
			} else if fromProducer && offered >= sp.maxRecLen {
				// The producer refused a full-size window for a record
				// it claims fits a page.
				return fmt.Errorf("%w: DOESNT_FIT with length %d in a %d-byte window",
					ErrProducerProtocol, rec.Length, offered)
			}

		case StatusSuccess:
			if rec.Length > len(rec.Data) {
				return fmt.Errorf("%w: SUCCESS with length %d beyond the %d-byte window",
					ErrProducerProtocol, rec.Length, len(rec.Data))
			}
			off := int32(itemOff)
			sp.setRecLen(off, rec.Length)
			sp.setRecNext(off, nilOff)
			index = append(index, off)
			numrecs++
			itemOff = sp.recEnd(off)

		default:
			return fmt.Errorf("%w: unknown producer status %d", ErrProducerProtocol, status)
		}
	}

	if numrecs > 0 {
		// Whatever is left over in the arena.
		numrecs = sp.runSort(index[:numrecs], sp.growScratch(&scratch, numrecs), numrecs, sortNumrecs)
		index = index[:numrecs]

		if sp.totRuns > 0 {
			return sp.runFlush(outCurFile, curPage, outputBuffer, index, numrecs, storage.RecHome)
		}
		// No run hit disk: skip the merge phase entirely and stream
		// the sorted arena straight to the consumer.
		slog.Debug(logPrefix+"in-memory fast path", "records", numrecs)
		return sp.streamArenaRecords(ctx, index)
	}

	if sp.totRuns == 1 {
		if onceFlushed {
			// Exactly one run went to disk and nothing followed:
			// restream it from the saved arena index.
			return sp.streamArenaRecords(ctx, savedIndex)
		}
		// The whole input was a single long record.
		return sp.streamLoneLongRecord(ctx, outputBuffer, &longBuf)
	}

	return nil
}

// growScratch sizes the ping-pong scratch array for n entries.
func (sp *sortParam) growScratch(scratch *[]int32, n int) []int32 {
	if cap(*scratch) < n {
		*scratch = make([]int32, n)
	}
	*scratch = (*scratch)[:n]
	return *scratch
}

// liveHighWater is the aligned offset just past the highest live arena
// record.
func (sp *sortParam) liveHighWater(index []int32) int {
	high := 0
	for _, off := range index {
		if end := sp.recEnd(off); end > high {
			high = end
		}
	}
	return high
}

// fitsOnePage reports whether the live records, with their slots,
// would fit a single slotted page — in which case flushing now would
// write a run that merging gains nothing from.
func (sp *sortParam) fitsOnePage(index []int32, numrecs int) bool {
	return sp.liveHighWater(index)+numrecs*storage.SlotSize < sp.pageSize
}

// runFlush writes the sorted index as one run of slotted pages on the
// out file, creating the file on first use. LINK duplicate chains are
// materialized as adjacent records.
func (sp *sortParam) runFlush(outFile int, curPage []int, outputBuffer []byte, index []int32, numrecs int, typ storage.RecType) error {
	if sp.temp[outFile] == nil {
		if err := sp.addNewFile(outFile, sp.tmpFilePgs, false); err != nil {
			return err
		}
	}

	page := storage.Page{Buf: outputBuffer}
	page.Init(storage.UnanchoredKeepSequence, storage.MaxAlign)
	runSize := 0

	for i := 0; i < numrecs; i++ {
		key := index[i]
		for key != nilOff {
			next := nilOff
			if typ == storage.RecHome {
				next = sp.recNext(key)
			}

			data := sp.recPayload(key)
			if _, err := page.Insert(data, typ); err != nil {
				if !errors.Is(err, storage.ErrNotEnoughSpace) {
					return err
				}
				if err := sp.writeArea(outFile, curPage[outFile], 1, outputBuffer); err != nil {
					return err
				}
				curPage[outFile]++
				runSize++
				page.Init(storage.UnanchoredKeepSequence, storage.MaxAlign)
				if _, err := page.Insert(data, typ); err != nil {
					// A record the long-record path did not catch
					// failed to fit an empty page.
					return fmt.Errorf("%w: %d-byte record rejected by an empty page", ErrInternal, len(data))
				}
			}
			key = next
		}
	}

	if page.NumRecords() > 0 {
		if err := sp.writeArea(outFile, curPage[outFile], 1, outputBuffer); err != nil {
			return err
		}
		curPage[outFile]++
		runSize++
	}

	sp.fileContents[outFile].appendRun(runSize)
	sp.totRuns++
	slog.Debug(logPrefix+"run flushed",
		"file", outFile, "pages", runSize, "records", numrecs, "totRuns", sp.totRuns)
	return nil
}

// flushLongRecord pulls a record too large for any page through a
// grown buffer, stores it in the overflow file, and flushes its handle
// as a single-record BIGONE run.
func (sp *sortParam) flushLongRecord(ctx context.Context, longBuf *[]byte, length int, outFile int, curPage []int, outputBuffer []byte, index *[]int32) error {
	if cap(*longBuf) < length {
		*longBuf = make([]byte, length)
	}
	lr := RecordDesc{Data: (*longBuf)[:length]}
	status, err := sp.get(ctx, &lr)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("%w: long record re-read returned status %d", ErrProducerProtocol, status)
	}

	if !sp.ovf.Created() {
		if err := sp.ovf.Create(multipageFileSizeEst); err != nil {
			return err
		}
	}
	handle, err := sp.ovf.Insert(lr.Data[:lr.Length])
	if err != nil {
		return err
	}

	// Stub arena record carrying only the overflow handle.
	sp.setRecLen(0, len(handle))
	sp.setRecNext(0, nilOff)
	copy(sp.recPayload(0), handle)
	*index = append((*index)[:0], 0)

	return sp.runFlush(outFile, curPage, outputBuffer, *index, 1, storage.RecBigone)
}

// streamArenaRecords publishes sorted arena records, following LINK
// duplicate chains, to the consumer. A Stop from the consumer ends the
// stream successfully.
func (sp *sortParam) streamArenaRecords(ctx context.Context, index []int32) error {
	for _, off := range index {
		for key := off; key != nilOff; key = sp.recNext(key) {
			if err := sp.put(ctx, sp.recPayload(key)); err != nil {
				if errors.Is(err, Stop) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// streamLoneLongRecord handles the degenerate sort whose entire input
// is one long record: read back the single flushed page, chase the
// handle through the overflow service, publish.
func (sp *sortParam) streamLoneLongRecord(ctx context.Context, outputBuffer []byte, longBuf *[]byte) error {
	if err := sp.readArea(sp.inHalf, 0, 1, outputBuffer); err != nil {
		return err
	}
	page := storage.Page{Buf: outputBuffer}
	handle, typ, err := page.Peek(0)
	if err != nil || typ != storage.RecBigone {
		return ErrTempPageCorrupted
	}
	length, err := sp.ovf.Length(handle)
	if err != nil {
		return err
	}
	if cap(*longBuf) < length {
		*longBuf = make([]byte, length)
	}
	if err := sp.ovf.Retrieve(handle, (*longBuf)[:length]); err != nil {
		return err
	}
	if err := sp.put(ctx, (*longBuf)[:length]); err != nil && !errors.Is(err, Stop) {
		return err
	}
	return nil
}
