// Package extsort implements the external (disk-based) sort engine:
// run generation over a bounded in-memory arena followed by a balanced
// multi-way merge across two halves of temp files, with optional
// duplicate elimination or duplicate linking.
package extsort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuannm99/novasort/internal/storage"
)

var logPrefix = "extsort: "

var (
	// Stop is returned by a consumer to end the sort early. It is not
	// an error: the sort cleans up and reports success.
	Stop = errors.New("extsort: stop requested by consumer")

	ErrTempPageCorrupted = errors.New("extsort: temp page corrupted")
	ErrInternal          = errors.New("extsort: internal invariant violated")
	ErrProducerProtocol  = errors.New("extsort: producer broke the record protocol")
)

const (
	// Bounds on the number of temp files per half.
	minHalfFiles = 2
	maxHalfFiles = 4

	// Default input size estimate when the caller passes none.
	initInputPageEst = 4096

	// Size hint for the lazily created overflow file.
	multipageFileSizeEst = 20

	// Fewest arena pages a sort will run with.
	minTotBuffers = 4
)

// Status is the producer protocol result.
type Status int

const (
	// StatusSuccess: the record was copied into RecordDesc.Data and
	// Length was set.
	StatusSuccess Status = iota
	// StatusDoesntFit: the record needs more room than offered;
	// Length carries the required size. The follow-up call with a
	// grown buffer must deliver the whole record.
	StatusDoesntFit
	// StatusNoMoreRecs: the stream is drained.
	StatusNoMoreRecs
)

// RecordDesc is the caller-storage descriptor handed to the producer:
// Data is the area to fill (its length is the capacity), Length is set
// by the producer to the record size.
type RecordDesc struct {
	Data   []byte
	Length int
}

// GetFunc produces the next record. A non-nil error aborts the sort
// and is propagated unchanged.
type GetFunc func(ctx context.Context, rec *RecordDesc) (Status, error)

// PutFunc consumes one sorted record. Returning Stop ends the sort
// gracefully; any other error aborts it.
type PutFunc func(ctx context.Context, rec []byte) error

// CompareFunc imposes a strict weak order on record bytes. Zero means
// duplicate and triggers the duplicate policy.
type CompareFunc func(a, b []byte) int

// DupPolicy selects what happens to records that compare equal.
type DupPolicy int

const (
	// DupEliminate drops every duplicate past the first encountered.
	DupEliminate DupPolicy = iota
	// DupLink keeps duplicates, chained behind the first-encountered
	// keeper and emitted right after it in encounter order.
	DupLink
)

// Config carries the explicit tuning the sort needs; there are no
// process-wide knobs.
type Config struct {
	// PageSize of the temp files and of the arena's page slots.
	PageSize int
	// SortBufPages is the sort-buffer tuning parameter, normalized to
	// a 4KB page so varying PageSize does not change the effective
	// buffer budget.
	SortBufPages int
}

// File is one page-addressed temp file of the host's paged file
// service.
type File interface {
	AllocPages(count int) error
	NumPages() int
	ReadPages(first, count int, dst []byte) error
	WritePages(first, count int, src []byte) error
	Destroy() error
}

// FileService creates temp files and answers volume capacity probes.
type FileService interface {
	CreateTemp(hintPages int) (File, error)
	MaxPagesNewVolume() int
}

// Overflow is the host's overflow-record service, used for records
// larger than one page's payload.
type Overflow interface {
	Created() bool
	Create(hintPages int) error
	Insert(value []byte) ([]byte, error)
	Length(handle []byte) (int, error)
	Retrieve(handle, dst []byte) error
	Destroy() error
}

// LocalFileService adapts the storage temp manager to FileService.
type LocalFileService struct {
	TM *storage.TempManager
}

func (l LocalFileService) CreateTemp(hintPages int) (File, error) {
	return l.TM.CreateTemp(hintPages)
}

func (l LocalFileService) MaxPagesNewVolume() int {
	return l.TM.MaxPagesNewVolume()
}

// sortParam is the per-invocation session state. Every resource it
// references is released by cleanup before Sort returns.
type sortParam struct {
	cfg   Config
	files FileService
	ovf   Overflow

	get GetFunc
	put PutFunc
	cmp CompareFunc
	dup DupPolicy

	pageSize   int
	maxRecLen  int
	totBuffers int

	halfFiles    int
	totTempFiles int
	inHalf       int
	totRuns      int
	tmpFilePgs   int

	arena        []byte
	temp         []File
	fileContents []fileContents
}

// Sort orders the producer's record stream and hands it, in ascending
// comparator order, to the consumer. estInputPages sizes the temp
// files (-1 when unknown). All temp files and the overflow file are
// destroyed before return, on success and on every error path.
func Sort(
	ctx context.Context,
	cfg Config,
	files FileService,
	ovf Overflow,
	estInputPages int,
	get GetFunc,
	put PutFunc,
	cmp CompareFunc,
	dup DupPolicy,
) error {
	if files == nil || ovf == nil || get == nil || put == nil || cmp == nil {
		return fmt.Errorf("%w: nil collaborator", ErrInternal)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = storage.DefaultPageSize
	}
	if cfg.SortBufPages <= 0 {
		cfg.SortBufPages = 128
	}

	inputPages := initInputPageEst
	if estInputPages > 0 {
		// 10% of overhead and fragmentation.
		over := estInputPages / 10
		if over < 2 {
			over = 2
		}
		inputPages = estInputPages + over
	}

	// Normalize the buffer budget to a constant byte amount across
	// page sizes, then clamp to the input estimate and the floor.
	totBuffers := int(float64(4096) / float64(cfg.PageSize) * float64(cfg.SortBufPages))
	if totBuffers > inputPages {
		totBuffers = inputPages
	}
	if totBuffers < minTotBuffers {
		totBuffers = minTotBuffers
	}

	sp := &sortParam{
		cfg:        cfg,
		files:      files,
		ovf:        ovf,
		get:        get,
		put:        put,
		cmp:        cmp,
		dup:        dup,
		pageSize:   cfg.PageSize,
		maxRecLen:  storage.MaxRecLen(cfg.PageSize),
		totBuffers: totBuffers,
	}

	sp.halfFiles = numHalfTempFiles(totBuffers, estInputPages)
	sp.totTempFiles = sp.halfFiles * 2
	sp.inHalf = 0

	sp.arena = make([]byte, sp.totBuffers*sp.pageSize)
	sp.temp = make([]File, sp.totTempFiles)
	sp.fileContents = make([]fileContents, sp.totTempFiles)
	for i := range sp.fileContents {
		sp.fileContents[i].reset()
	}

	sp.tmpFilePgs = (inputPages + sp.halfFiles - 1) / sp.halfFiles
	if sp.tmpFilePgs < 1 {
		sp.tmpFilePgs = 1
	}

	// Input temp files are created lazily on the first flush; only
	// indicate the expected footprint through tmpFilePgs.
	defer sp.releaseUsedResources()

	slog.Debug(logPrefix+"starting sort",
		"totBuffers", sp.totBuffers,
		"halfFiles", sp.halfFiles,
		"pageSize", sp.pageSize,
		"estInputPages", estInputPages)

	if err := sp.inphaseSort(ctx); err != nil {
		return err
	}

	if sp.totRuns > 1 {
		// Create output temp files eagerly, sized from the average
		// non-empty input file, with pages allocated up front.
		est := sp.avgNumPagesNonempty()
		if est < 1 {
			est = 1
		}
		for i := sp.halfFiles; i < sp.totTempFiles; i++ {
			if err := sp.addNewFile(i, est, true); err != nil {
				return err
			}
		}
		if err := sp.exphaseMerge(ctx); err != nil {
			return err
		}
	}

	return nil
}

// numHalfTempFiles sizes one half of the temp file set from the buffer
// budget and the input estimate: more expected runs want more files,
// within [minHalfFiles, maxHalfFiles].
func numHalfTempFiles(totBuffers, inputPages int) int {
	halfFiles := totBuffers - 1

	if inputPages > 0 {
		// Conservatively estimate the number of runs produced.
		expRuns := (inputPages+totBuffers-1)/totBuffers + 1
		if expRuns < halfFiles {
			if expRuns > totBuffers/2 {
				halfFiles = expRuns
			} else {
				halfFiles = totBuffers / 2
			}
		}
	}

	if halfFiles < minHalfFiles {
		return minHalfFiles
	}
	if halfFiles > maxHalfFiles {
		return maxHalfFiles
	}
	return halfFiles
}

// avgNumPagesNonempty averages the live page counts of the non-empty
// temp files; used as the creation hint for the output half.
func (sp *sortParam) avgNumPagesNonempty() int {
	sum, nonEmpty := 0, 0
	for i := range sp.fileContents {
		fc := &sp.fileContents[i]
		if fc.activeRuns() > 0 {
			nonEmpty++
			sum += fc.totalPages()
		}
	}
	if nonEmpty == 0 {
		return 1
	}
	return sum / nonEmpty
}

// releaseUsedResources destroys every temp file and the overflow file.
// Errors are logged, not propagated: scratch teardown must never mask
// the sort's own result.
func (sp *sortParam) releaseUsedResources() {
	for i, f := range sp.temp {
		if f == nil {
			continue
		}
		if err := f.Destroy(); err != nil {
			slog.Error(logPrefix+"destroy temp file", "index", i, "err", err)
		}
		sp.temp[i] = nil
	}
	if err := sp.ovf.Destroy(); err != nil {
		slog.Error(logPrefix+"destroy overflow file", "err", err)
	}
	sp.arena = nil
}
