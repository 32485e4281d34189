package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/tuannm99/novasort/internal/alias/bx"
	"github.com/tuannm99/novasort/internal/config"
	"github.com/tuannm99/novasort/internal/extsort"
	"github.com/tuannm99/novasort/internal/storage"
)

func main() {
	cfg := config.Default()
	if len(os.Args) > 1 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			fmt.Println("config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	tempDir := cfg.Sort.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	tm, err := storage.NewTempManager(tempDir, cfg.Sort.PageSize)
	if err != nil {
		fmt.Println("temp manager:", err)
		os.Exit(1)
	}

	const n = 100_000
	keys := rand.Perm(n)
	i := 0

	get := func(_ context.Context, rec *extsort.RecordDesc) (extsort.Status, error) {
		if i >= len(keys) {
			return extsort.StatusNoMoreRecs, nil
		}
		bx.PutU32(rec.Data, uint32(keys[i]))
		rec.Length = 4
		i++
		return extsort.StatusSuccess, nil
	}

	out := 0
	put := func(_ context.Context, rec []byte) error {
		v := int(bx.U32(rec))
		if v != out {
			return fmt.Errorf("out of order: got %d, want %d", v, out)
		}
		out++
		return nil
	}

	cmp := func(a, b []byte) int {
		return int(bx.U32(a)) - int(bx.U32(b))
	}

	err = extsort.Sort(
		context.Background(),
		extsort.Config{PageSize: cfg.Sort.PageSize, SortBufPages: cfg.Sort.BufferPages},
		extsort.LocalFileService{TM: tm},
		storage.NewOverflowManager(tm),
		-1,
		get, put, cmp,
		extsort.DupEliminate,
	)
	if err != nil {
		fmt.Println("sort:", err)
		os.Exit(1)
	}
	fmt.Printf("sorted %d records\n", out)
}
