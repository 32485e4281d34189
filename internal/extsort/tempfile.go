package extsort

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/novasort/internal/storage"
)

// addNewFile materializes the temp file at index idx if it does not
// exist yet. When forceAlloc is set the estimated pages are allocated
// immediately, with one retry at 95% of what a fresh volume permits
// (capped at the estimate) when the volume runs full; a second
// volume-full failure is fatal.
func (sp *sortParam) addNewFile(idx, pgCntEst int, forceAlloc bool) error {
	if sp.temp[idx] != nil {
		return nil
	}

	f, err := sp.files.CreateTemp(pgCntEst)
	if err != nil {
		return fmt.Errorf("create temp %d: %w", idx, err)
	}
	sp.temp[idx] = f

	if !forceAlloc {
		return nil
	}

	// Pages are not initialized on allocation: the sort never reads a
	// page it has not written in the same call.
	err = f.AllocPages(pgCntEst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrVolumeFull) {
		return fmt.Errorf("preallocate temp %d: %w", idx, err)
	}

	// Allocation failed with this estimate; retry once with 95% of what
	// a new volume can hold, capped at the estimate.
	retry := int(float64(sp.files.MaxPagesNewVolume()) * 0.95)
	if retry < 1 {
		retry = 1
	}
	if retry > pgCntEst {
		retry = pgCntEst
	}
	slog.Debug(logPrefix+"preallocation retry",
		"index", idx, "asked", pgCntEst, "retry", retry)
	err = f.AllocPages(retry)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrVolumeFull) {
		return fmt.Errorf("preallocate temp %d: %w", idx, err)
	}
	return fmt.Errorf("preallocate temp %d: %w", idx, storage.ErrVolumeFull)
}

// writeArea writes numPages pages of area to the file starting at its
// firstPage ordinal, allocating missing pages first.
func (sp *sortParam) writeArea(idx, firstPage, numPages int, area []byte) error {
	f := sp.temp[idx]
	if short := firstPage + numPages - f.NumPages(); short > 0 {
		if err := f.AllocPages(short); err != nil {
			return fmt.Errorf("extend temp %d: %w", idx, err)
		}
	}
	if err := f.WritePages(firstPage, numPages, area[:numPages*sp.pageSize]); err != nil {
		return fmt.Errorf("write temp %d: %w", idx, err)
	}
	return nil
}

// readArea reads numPages pages from the file into area.
func (sp *sortParam) readArea(idx, firstPage, numPages int, area []byte) error {
	if err := sp.temp[idx].ReadPages(firstPage, numPages, area[:numPages*sp.pageSize]); err != nil {
		return fmt.Errorf("read temp %d: %w", idx, err)
	}
	return nil
}

// checkallocOutFiles estimates how many pages each output file will
// receive in the coming pass, from the input ledgers and the
// round-robin distribution, and pre-allocates the shortfall. Best
// effort: writeArea allocates on demand anyway.
func (sp *sortParam) checkallocOutFiles() {
	needed := make([]int, sp.totTempFiles)

	outHalf := sp.outHalf()
	for i := sp.inHalf; i < sp.inHalf+sp.halfFiles; i++ {
		fc := &sp.fileContents[i]
		if fc.firstRun == -1 {
			continue
		}
		out := outHalf
		for j := fc.firstRun; j <= fc.lastRun; j++ {
			needed[out] += fc.numPages[j]
			if out++; out >= outHalf+sp.halfFiles {
				out = outHalf
			}
		}
	}

	for i := outHalf; i < outHalf+sp.halfFiles; i++ {
		if sp.temp[i] == nil {
			continue
		}
		short := needed[i] - sp.temp[i].NumPages()
		if short > 0 {
			if err := sp.temp[i].AllocPages(short); err != nil {
				slog.Debug(logPrefix+"output preallocation failed",
					"index", i, "pages", short, "err", err)
			}
		}
	}
}

func (sp *sortParam) outHalf() int {
	if sp.inHalf == 0 {
		return sp.halfFiles
	}
	return 0
}
