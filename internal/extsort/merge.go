package extsort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/novasort/internal/storage"
)

// mergeInput is the cursor state of one active input stream during a
// merge pass: its arena section, the window of pages loaded into it,
// the slot position on the current page, and the peeked current
// record.
type mergeInput struct {
	sect     []byte
	actBuf   int // current page within the section
	lastBuf  int // pages currently loaded into the section
	slot     int // current slot on the current page
	lastSlot int // slots on the current page

	cur    []byte // current record payload, borrowed from the page
	curTyp storage.RecType
	long   []byte // long-record buffer; grows monotonically, reused across runs
	key    []byte // what the comparator sees: cur, or long for BIGONE
}

func (in *mergeInput) page(pageSize int) []byte {
	return in.sect[in.actBuf*pageSize : (in.actBuf+1)*pageSize]
}

// srecNode is one entry of the smallest-key list ordering the active
// inputs by their current record.
type srecNode struct {
	next *srecNode
	pos  int
	dup  bool
}

// inbufSize splits the arena between the input streams and the output:
// merging reads about as many pages as it writes, so the output keeps
// roughly half and the inputs share the rest evenly.
func inbufSize(totBuffers, inSections int) int {
	if s := totBuffers / (inSections * 2); s > 0 {
		return s
	}
	return 1
}

// activeInFiles counts the input-half files that still hold runs. Run
// distribution is balanced, so the first empty ledger ends the count.
func (sp *sortParam) activeInFiles() int {
	n := 0
	for i := sp.inHalf; i < sp.inHalf+sp.halfFiles; i++ {
		if sp.fileContents[i].firstRun == -1 {
			break
		}
		n++
	}
	return n
}

// exphaseMerge runs balanced merge passes over the two temp-file
// halves until a single run remains; that final run streams straight
// to the consumer.
func (sp *sortParam) exphaseMerge(ctx context.Context) error {
	err := sp.mergePasses(ctx)
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}

func (sp *sortParam) mergePasses(ctx context.Context) error {
	curPage := make([]int, sp.totTempFiles)
	inputs := make([]mergeInput, sp.halfFiles)
	var lastLong []byte

	outHalf := sp.outHalf()

	for {
		actInfiles := sp.activeInFiles()
		if actInfiles <= 1 {
			return nil
		}

		// Output files may need more pages than they hold; top them
		// up before the pass starts writing.
		sp.checkallocOutFiles()

		for i := range curPage {
			curPage[i] = 0
		}

		inSect := inbufSize(sp.totBuffers, actInfiles)
		outSect := sp.totBuffers - inSect*actInfiles
		curOutFile := outHalf

		numRuns := 0
		for i := sp.inHalf; i < sp.inHalf+sp.halfFiles; i++ {
			if n := sp.fileContents[i].activeRuns(); n > numRuns {
				numRuns = n
			}
		}
		veryLastRun := numRuns == 1

		slog.Debug(logPrefix+"merge pass",
			"activeInputs", actInfiles, "runs", numRuns,
			"inSection", inSect, "outSection", outSect)

		for j := numRuns; j > 0; j-- {
			if !veryLastRun && j == 1 {
				// Some input files may have run dry before the last
				// run of this pass.
				preAct := actInfiles
				actInfiles = sp.activeInFiles()
				if actInfiles != preAct {
					if actInfiles == 1 {
						if err := sp.copyThroughRun(curPage, preAct, curOutFile); err != nil {
							return err
						}
						if curOutFile++; curOutFile >= outHalf+sp.halfFiles {
							curOutFile = outHalf
						}
						continue
					}
					// Redistribute buffers over the surviving inputs.
					inSect = inbufSize(sp.totBuffers, actInfiles)
					outSect = sp.totBuffers - inSect*actInfiles
				}
			}

			outRunSize, err := sp.mergeOneRun(ctx, inputs[:actInfiles], &lastLong,
				curPage, inSect, outSect, curOutFile, veryLastRun)
			if err != nil {
				return err
			}

			// Retire the consumed first runs and record the new one.
			for i := sp.inHalf; i < sp.inHalf+sp.halfFiles; i++ {
				sp.fileContents[i].popFirst()
			}
			if !veryLastRun {
				sp.fileContents[curOutFile].appendRun(outRunSize)
			}

			if curOutFile++; curOutFile >= outHalf+sp.halfFiles {
				curOutFile = outHalf
			}
		}

		sp.inHalf, outHalf = outHalf, sp.inHalf
	}
}

// copyThroughRun moves the single remaining input run of a pass to the
// current output file unchanged, cycling it through the whole arena.
// The comparator is never consulted.
func (sp *sortParam) copyThroughRun(curPage []int, preAct, curOutFile int) error {
	act := -1
	for i := sp.inHalf; i < sp.inHalf+preAct; i++ {
		if sp.fileContents[i].firstRun != -1 {
			act = i
			break
		}
	}
	if act == -1 {
		return fmt.Errorf("%w: lone input run vanished", ErrInternal)
	}

	cpPages := sp.fileContents[act].firstRunPages()
	sp.fileContents[curOutFile].appendRun(cpPages)
	sp.fileContents[act].popFirst()

	for cpPages > 0 {
		read := cpPages
		if read > sp.totBuffers {
			read = sp.totBuffers
		}
		if err := sp.readArea(act, curPage[act], read, sp.arena); err != nil {
			return err
		}
		curPage[act] += read
		if err := sp.writeArea(curOutFile, curPage[curOutFile], read, sp.arena); err != nil {
			return err
		}
		curPage[curOutFile] += read
		cpPages -= read
	}
	return nil
}

// loadInput fills an input's section with the next pages of its
// current first run and peeks the first record.
func (sp *sortParam) loadInput(in *mergeInput, fileIdx, inSect int, curPage []int) error {
	fc := &sp.fileContents[fileIdx]
	readPages := fc.firstRunPages()
	if readPages > inSect {
		readPages = inSect
	}
	if err := sp.readArea(fileIdx, curPage[fileIdx], readPages, in.sect); err != nil {
		return err
	}
	curPage[fileIdx] += readPages
	fc.drainFirstRun(readPages)

	in.actBuf = 0
	in.lastBuf = readPages
	in.slot = 0
	in.lastSlot = storage.Page{Buf: in.page(sp.pageSize)}.NumRecords()
	return sp.peekCurrent(in)
}

// peekCurrent refreshes the input's current record from its page slot,
// chasing a BIGONE handle through the overflow service.
func (sp *sortParam) peekCurrent(in *mergeInput) error {
	page := storage.Page{Buf: in.page(sp.pageSize)}
	data, typ, err := page.Peek(in.slot)
	if err != nil {
		return ErrTempPageCorrupted
	}
	in.cur = data
	in.curTyp = typ
	if typ == storage.RecBigone {
		long, err := sp.retrieveLongRec(data, &in.long)
		if err != nil {
			return err
		}
		in.key = long
	} else {
		in.key = data
	}
	return nil
}

// retrieveLongRec dereferences an overflow handle into buf, growing it
// as needed, and returns the record bytes.
func (sp *sortParam) retrieveLongRec(handle []byte, buf *[]byte) ([]byte, error) {
	length, err := sp.ovf.Length(handle)
	if err != nil {
		return nil, err
	}
	if cap(*buf) < length {
		*buf = make([]byte, length)
	}
	if err := sp.ovf.Retrieve(handle, (*buf)[:length]); err != nil {
		return nil, err
	}
	return (*buf)[:length], nil
}

// lastElemCompare compares the last record of the head input's current
// page with the second-smallest input's current record. While that
// comparison is <= 0 the head stays smallest for the whole page and
// the list needs no re-sorting.
func (sp *sortParam) lastElemCompare(head *mergeInput, second *mergeInput, lastLong *[]byte) (int, error) {
	page := storage.Page{Buf: head.page(sp.pageSize)}
	data, typ, err := page.Peek(head.lastSlot - 1)
	if err != nil {
		return 0, ErrTempPageCorrupted
	}
	key := data
	if typ == storage.RecBigone {
		if key, err = sp.retrieveLongRec(data, lastLong); err != nil {
			return 0, err
		}
	}
	return sp.cmp(key, second.key), nil
}

// mergeOneRun produces one output run (or, on the very last run,
// streams straight to the consumer) from the first runs of the active
// inputs. Returns the pages written.
func (sp *sortParam) mergeOneRun(
	ctx context.Context,
	inputs []mergeInput,
	lastLong *[]byte,
	curPage []int,
	inSect, outSect, curOutFile int,
	veryLastRun bool,
) (int, error) {
	ps := sp.pageSize
	actInfiles := len(inputs)
	elim := sp.dup == DupEliminate

	// Carve the arena: one section per input, the rest to the output.
	for i := range inputs {
		inputs[i].sect = sp.arena[i*inSect*ps : (i+1)*inSect*ps]
	}
	outSectAddr := sp.arena[actInfiles*inSect*ps : (actInfiles*inSect+outSect)*ps]

	for i := range inputs {
		if err := sp.loadInput(&inputs[i], sp.inHalf+i, inSect, curPage); err != nil {
			return 0, err
		}
	}

	// Build the smallest-key list, ordered by the current records.
	nodes := make([]srecNode, actInfiles)
	for i := range nodes {
		nodes[i].pos = i
		if i+1 < actInfiles {
			nodes[i].next = &nodes[i+1]
		}
	}
	for s := &nodes[0]; s != nil; s = s.next {
		for p := s.next; p != nil; p = p.next {
			if sp.cmp(inputs[s.pos].key, inputs[p.pos].key) > 0 {
				s.pos, p.pos = p.pos, s.pos
			}
		}
	}
	if elim {
		for s := &nodes[0]; s.next != nil; s = s.next {
			if sp.cmp(inputs[s.pos].key, inputs[s.next.pos].key) == 0 {
				s.next.dup = true
			}
		}
	}

	minP := &nodes[0]

	// Last-element optimization state for the head input's page.
	lastElemCmp := 1
	if second := minP.next; second != nil {
		var err error
		lastElemCmp, err = sp.lastElemCompare(&inputs[minP.pos], &inputs[second.pos], lastLong)
		if err != nil {
			return 0, err
		}
	}

	outActBuf := 0
	outRunSize := 0
	for i := 0; i < outSect; i++ {
		storage.Page{Buf: outSectAddr[i*ps : (i+1)*ps]}.Init(storage.UnanchoredKeepSequence, storage.MaxAlign)
	}
	outPage := func() storage.Page {
		return storage.Page{Buf: outSectAddr[outActBuf*ps : (outActBuf+1)*ps]}
	}

	for {
		min := minP.pos
		in := &inputs[min]

		if elim && minP.dup {
			// Duplicated smallest record: advance without publishing.
		} else if veryLastRun {
			rec := in.cur
			if in.curTyp == storage.RecBigone {
				rec = in.key
			}
			if err := sp.put(ctx, rec); err != nil {
				return outRunSize, err
			}
		} else {
			if _, err := outPage().Insert(in.cur, in.curTyp); err != nil {
				if !errors.Is(err, storage.ErrNotEnoughSpace) {
					return outRunSize, err
				}
				if outActBuf+1 < outSect {
					outActBuf++
				} else {
					// Output section is full: flush it whole.
					if err := sp.writeArea(curOutFile, curPage[curOutFile], outSect, outSectAddr); err != nil {
						return outRunSize, err
					}
					curPage[curOutFile] += outSect
					outRunSize += outSect
					for i := 0; i < outSect; i++ {
						storage.Page{Buf: outSectAddr[i*ps : (i+1)*ps]}.Init(storage.UnanchoredKeepSequence, storage.MaxAlign)
					}
					outActBuf = 0
				}
				if _, err := outPage().Insert(in.cur, in.curTyp); err != nil {
					// An already-paged record failed to fit an empty
					// page.
					return outRunSize, fmt.Errorf("%w: paged record rejected by an empty page", ErrInternal)
				}
			}
		}

		// Advance the head input by one slot.
		in.slot++
		if in.slot >= in.lastSlot {
			// Current input page is drained.
			lastElemCmp = 1
			in.actBuf++
			if in.actBuf >= in.lastBuf {
				// Section exhausted; refill from the run, if it still
				// has unread pages.
				fileIdx := sp.inHalf + min
				fc := &sp.fileContents[fileIdx]
				if fc.firstRunPages() > 0 {
					readPages := fc.firstRunPages()
					if readPages > inSect {
						readPages = inSect
					}
					if err := sp.readArea(fileIdx, curPage[fileIdx], readPages, in.sect); err != nil {
						return outRunSize, err
					}
					curPage[fileIdx] += readPages
					fc.drainFirstRun(readPages)
					in.actBuf = 0
					in.lastBuf = readPages
				} else {
					// Run drained: detach this input from the list.
					minP = minP.next
					if minP == nil {
						break
					}
					continue
				}
			}
			in.slot = 0
			in.lastSlot = storage.Page{Buf: in.page(ps)}.NumRecords()
		}

		if err := sp.peekCurrent(in); err != nil {
			return outRunSize, err
		}

		if elim {
			// The last record of the page was equal to the second
			// input's current: when it becomes current it is a
			// duplicate.
			minP.dup = in.slot == in.lastSlot-1 && lastElemCmp == 0
		}

		if lastElemCmp <= 0 {
			// Head remains smallest for the rest of this page.
			continue
		}

		// Sift the head down: it is the only node whose key changed.
		for s := minP; s != nil; s = s.next {
			p := s.next
			if p == nil {
				break
			}
			cmp := sp.cmp(inputs[s.pos].key, inputs[p.pos].key)
			if cmp > 0 {
				s.pos, p.pos = p.pos, s.pos
				if elim {
					s.dup, p.dup = p.dup, s.dup
				}
				continue
			}
			if cmp == 0 && elim {
				p.dup = true
			}
			break
		}

		if inputs[minP.pos].slot == 0 {
			// A fresh page became current on the head input: check
			// whether its last record already clears the runner-up.
			if second := minP.next; second != nil {
				var err error
				lastElemCmp, err = sp.lastElemCompare(&inputs[minP.pos], &inputs[second.pos], lastLong)
				if err != nil {
					return outRunSize, err
				}
			}
		}
	}

	if !veryLastRun {
		// Flush whatever the output section holds.
		pages := outActBuf + 1
		if err := sp.writeArea(curOutFile, curPage[curOutFile], pages, outSectAddr); err != nil {
			return outRunSize, err
		}
		curPage[curOutFile] += pages
		outRunSize += pages
	}

	return outRunSize, nil
}
