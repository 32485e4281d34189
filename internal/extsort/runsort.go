package extsort

import "math/bits"

// In-memory natural-run sort. Only the index arrays of arena offsets
// are permuted; payloads never move. Runs already present in the input
// are discovered as-is (descending ones flipped in place), pushed on a
// stack and pair-merged whenever the top two have equal tree depth,
// which keeps the whole thing linear on sorted or reversed input and
// O(N log k) for k natural runs.

const (
	sideLow  = 'L' // run lives in the scratch array
	sideHigh = 'H' // run lives in the base array
)

type srun struct {
	side      byte
	treeDepth uint16
	start     int
	stop      int
}

type sortStack struct {
	srun []srun
	top  int
}

func newSortStack(newRecs int, haveSorted bool) *sortStack {
	// Depth is bounded by log2(N/2)+2; one more when a previously
	// sorted block joins the final merge.
	capacity := bits.Len(uint(newRecs)) + 3
	if haveSorted {
		capacity++
	}
	return &sortStack{srun: make([]srun, 0, capacity), top: -1}
}

func (st *sortStack) push(r srun) {
	st.srun = append(st.srun, r)
	st.top++
}

// compareAt compares the payloads behind two index entries.
func (sp *sortParam) compareAt(arr []int32, i, j int) int {
	return sp.cmp(sp.recPayload(arr[i]), sp.recPayload(arr[j]))
}

// markDuplicate applies the duplicate policy to the record at dupPos,
// whose key equals the keeper's: LINK chains it behind the keeper,
// ELIMINATE just drops it. Either way its index slot is nulled.
func (sp *sortParam) markDuplicate(arr []int32, keeperPos, dupPos int) {
	if sp.dup == DupLink {
		sp.chainAppend(arr[keeperPos], arr[dupPos])
	}
	arr[dupPos] = nilOff
}

// compactRight shifts the live entries of arr[start..stop] toward stop,
// preserving order, squeezing out nulled duplicate slots.
func compactRight(arr []int32, start, stop int) {
	w := stop
	for r := stop; r >= start; r-- {
		if arr[r] != nilOff {
			arr[w] = arr[r]
			w--
		}
	}
	for ; w >= start; w-- {
		arr[w] = nilOff
	}
}

// runFlip reverses arr[start..stop] in place.
func runFlip(arr []int32, start, stop int) {
	for start < stop {
		arr[start], arr[stop] = arr[stop], arr[start]
		start++
		stop--
	}
}

// runFind scans forward from *top for the longest weakly monotone run,
// flags duplicates per policy, flips a descending run ascending, and
// pushes the run on the stack. *top advances past the run.
func (sp *sortParam) runFind(src []int32, top *int, st *sortStack, limit int) {
	start := *top
	st.push(srun{side: sideHigh, treeDepth: 1, start: start})
	r := &st.srun[st.top]

	if start >= limit-1 {
		// Degenerate run of length 1.
		r.stop = limit - 1
		*top = limit
		return
	}

	increasing := sp.compareAt(src, start, start+1) <= 0

	// anchor trails the last live element: nulled duplicate slots stay
	// inside the run range but never anchor a comparison.
	anchor := start
	stop := start
	next := start + 1
	dupNum := 0
	for next < limit {
		cmp := sp.compareAt(src, anchor, next)
		if cmp == 0 {
			sp.markDuplicate(src, anchor, next)
			dupNum++
			stop = next
			next++
			continue
		}
		if (increasing && cmp < 0) || (!increasing && cmp > 0) {
			anchor = next
			stop = next
			next++
			continue
		}
		break
	}

	if dupNum > 0 {
		compactRight(src, start, stop)
	}
	if !increasing {
		runFlip(src, start+dupNum, stop)
	}

	r.start = start + dupNum
	r.stop = stop
	*top = stop + 1
}

// mergePair merges the stack's top two runs, repeating while the new
// top pair has equal tree depth. Runs ping-pong between the base
// ('H') and scratch ('L') arrays; when the left run's maximum is
// strictly below the right run's minimum the runs are concatenated
// without element-wise merging.
func (sp *sortParam) mergePair(low, high []int32, st *sortStack) {
	arrOf := func(side byte) []int32 {
		if side == sideLow {
			return low
		}
		return high
	}

	for {
		left := &st.srun[st.top-1]
		right := &st.srun[st.top]
		left.treeDepth++

		leftArr := arrOf(left.side)
		rightArr := arrOf(right.side)
		leftLen := left.stop - left.start + 1

		var destSide byte
		dupNum := 0

		if sp.cmp(sp.recPayload(leftArr[left.stop]), sp.recPayload(rightArr[right.start])) < 0 {
			// Append-concatenate: every left element precedes every
			// right element.
			destSide = right.side
			if !(left.side == right.side && left.stop+1 == right.start) {
				dest := right.start - 1
				for i := left.stop; i >= left.start; i-- {
					rightArr[dest] = leftArr[i]
					dest--
				}
			}
		} else {
			if right.side == sideLow {
				destSide = sideHigh
			} else {
				destSide = sideLow
			}
			destArr := arrOf(destSide)
			dest := right.stop

			i, j := left.stop, right.stop
			for i >= left.start && j >= right.start {
				cmp := sp.cmp(sp.recPayload(leftArr[i]), sp.recPayload(rightArr[j]))
				switch {
				case cmp == 0:
					// The left run holds the earlier-encountered
					// record: it keeps the slot.
					if sp.dup == DupLink {
						sp.chainAppend(leftArr[i], rightArr[j])
					}
					dupNum++
					destArr[dest] = leftArr[i]
					dest--
					i--
					j--
				case cmp > 0:
					destArr[dest] = leftArr[i]
					dest--
					i--
				default:
					destArr[dest] = rightArr[j]
					dest--
					j--
				}
			}
			for ; i >= left.start; i-- {
				destArr[dest] = leftArr[i]
				dest--
			}
			for ; j >= right.start; j-- {
				destArr[dest] = rightArr[j]
				dest--
			}
		}

		st.top--
		st.srun = st.srun[:st.top+1]
		merged := &st.srun[st.top]
		merged.side = destSide
		merged.start = right.start - leftLen + dupNum
		merged.stop = right.stop

		if !(st.top >= 1 && st.srun[st.top-1].treeDepth == st.srun[st.top].treeDepth) {
			return
		}
	}
}

// runSort orders base[sortNumrecs:numrecs] and merges the result with
// the already-sorted prefix base[0:sortNumrecs]. scratch must be at
// least numrecs long. Returns the live record count, reduced by
// duplicate elimination; the result occupies base[0:live].
func (sp *sortParam) runSort(base, scratch []int32, numrecs, sortNumrecs int) int {
	newRecs := numrecs - sortNumrecs
	if newRecs == 0 || (newRecs == 1 && sortNumrecs == 0) {
		return numrecs
	}

	st := newSortStack(newRecs, sortNumrecs > 0)
	srcTop := sortNumrecs
	limit := numrecs

	for srcTop < limit {
		sp.runFind(base, &srcTop, st, limit)
		if srcTop < limit {
			sp.runFind(base, &srcTop, st, limit)
		}
		for st.top >= 1 &&
			(srcTop >= limit ||
				st.srun[st.top-1].treeDepth == st.srun[st.top].treeDepth) {
			sp.mergePair(scratch, base, st)
		}
	}

	if sortNumrecs > 0 {
		// The previously sorted block holds the earlier-encountered
		// records, so it merges as the left run.
		result := st.srun[0]
		st.srun = st.srun[:0]
		st.top = -1
		st.push(srun{side: sideHigh, treeDepth: 1, start: 0, stop: sortNumrecs - 1})
		st.push(result)
		sp.mergePair(scratch, base, st)
	}

	final := st.srun[0]
	live := final.stop - final.start + 1
	switch {
	case final.side == sideLow:
		copy(base[:live], scratch[final.start:final.stop+1])
	case final.start != 0:
		copy(base[:live], base[final.start:final.stop+1])
	}
	return live
}
