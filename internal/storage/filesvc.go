package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// TempManager hands out page-addressed scratch files under one
// directory (the "volume"). Files are unlinked on Destroy; nothing
// survives the process.
type TempManager struct {
	dir      string
	pageSize int
}

func NewTempManager(dir string, pageSize int) (*TempManager, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if err := os.MkdirAll(dir, FileMode0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempManager{dir: dir, pageSize: pageSize}, nil
}

func (tm *TempManager) PageSize() int { return tm.pageSize }

// CreateTemp makes a new empty temp file. hintPages is a size hint the
// creator may over-promise; the local service keeps it on the file and
// allocates nothing from it. Pages are materialized by AllocPages or by
// the first write that reaches them.
func (tm *TempManager) CreateTemp(hintPages int) (*TempFile, error) {
	f, err := os.CreateTemp(tm.dir, "sorttmp_*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &TempFile{
		f:        f,
		path:     f.Name(),
		pageSize: tm.pageSize,
		hint:     hintPages,
	}, nil
}

// MaxPagesNewVolume reports how many pages a fresh temp volume could
// hold, probed from the filesystem backing the temp directory.
func (tm *TempManager) MaxPagesNewVolume() int {
	free, err := volumeFreeBytes(tm.dir)
	if err != nil || free <= 0 {
		// Probe failed; report a volume large enough that callers
		// never retry on its account.
		return int(^uint32(0) >> 1)
	}
	pages := free / int64(tm.pageSize)
	if pages > int64(^uint32(0)>>1) {
		pages = int64(^uint32(0) >> 1)
	}
	return int(pages)
}

// TempFile is one scratch file addressed by page ordinal.
type TempFile struct {
	f         *os.File
	path      string
	pageSize  int
	hint      int
	pages     int
	destroyed bool
}

// AllocPages grows the file's page allocation by count pages without
// initializing them. The sort never reads a page it has not written in
// the same call, so the content of fresh pages is deliberately
// undefined. A full volume surfaces as ErrVolumeFull.
func (tf *TempFile) AllocPages(count int) error {
	if tf.destroyed {
		return ErrFileDestroyed
	}
	if count <= 0 {
		return nil
	}
	newPages := tf.pages + count
	if err := tf.f.Truncate(int64(newPages) * int64(tf.pageSize)); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("alloc %d pages: %w", count, ErrVolumeFull)
		}
		return fmt.Errorf("alloc %d pages: %w", count, err)
	}
	tf.pages = newPages
	return nil
}

// NumPages returns the number of allocated pages.
func (tf *TempFile) NumPages() int { return tf.pages }

// FindNthPage checks that page n is reachable and returns its id. In
// the local service the page id is the ordinal itself.
func (tf *TempFile) FindNthPage(n int) (int, error) {
	if tf.destroyed {
		return -1, ErrFileDestroyed
	}
	if n < 0 || n >= tf.pages {
		return -1, fmt.Errorf("page %d of %d: %w", n, tf.pages, ErrStorageIO)
	}
	return n, nil
}

// ReadPages reads count pages starting at page first into dst.
func (tf *TempFile) ReadPages(first, count int, dst []byte) error {
	if tf.destroyed {
		return ErrFileDestroyed
	}
	want := count * tf.pageSize
	if len(dst) < want {
		return fmt.Errorf("read area: dst holds %d bytes, need %d", len(dst), want)
	}
	n, err := tf.f.ReadAt(dst[:want], int64(first)*int64(tf.pageSize))
	if err != nil && err != io.EOF {
		return fmt.Errorf("read pages [%d,%d): %w", first, first+count, err)
	}
	if n < want {
		// Beyond what was ever written; the pages exist but were
		// never initialized. Zero-fill so the caller sees stable
		// bytes.
		for i := n; i < want; i++ {
			dst[i] = 0
		}
	}
	return nil
}

// WritePages writes count pages from src starting at page first,
// extending the allocation when the write reaches past it.
func (tf *TempFile) WritePages(first, count int, src []byte) error {
	if tf.destroyed {
		return ErrFileDestroyed
	}
	want := count * tf.pageSize
	if len(src) < want {
		return fmt.Errorf("write area: src holds %d bytes, need %d", len(src), want)
	}
	if _, err := tf.f.WriteAt(src[:want], int64(first)*int64(tf.pageSize)); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("write pages [%d,%d): %w", first, first+count, ErrVolumeFull)
		}
		return fmt.Errorf("write pages [%d,%d): %w", first, first+count, err)
	}
	if first+count > tf.pages {
		tf.pages = first + count
	}
	return nil
}

// Destroy closes and unlinks the file. Safe to call more than once.
func (tf *TempFile) Destroy() error {
	if tf.destroyed {
		return nil
	}
	tf.destroyed = true
	cerr := tf.f.Close()
	rerr := os.Remove(tf.path)
	if cerr != nil {
		return fmt.Errorf("close temp file: %w", cerr)
	}
	if rerr != nil {
		return fmt.Errorf("remove temp file: %w", rerr)
	}
	return nil
}

// Path is exposed for tests that verify cleanup.
func (tf *TempFile) Path() string { return tf.path }
