package transport

import (
	"context"
	"fmt"
	"time"
)

// TotalChunks returns how many fragments a payload of length n splits
// into at the given chunk size.
func TotalChunks(n, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return (n + chunkSize - 1) / chunkSize
}

// writeInChunks is the chunking loop shared by both adapters. writeFn
// performs one raw write. Fragment N+1 is never sent before fragment N's
// write returns. On a mid-sequence failure the progress callback still
// sees the last successful count before the error propagates, so callers
// never watch progress vanish silently.
func writeInChunks(ctx context.Context, data []byte, opts ChunkOptions, writeFn func([]byte) error) error {
	opts = opts.withDefaults()
	total := TotalChunks(len(data), opts.ChunkSize)
	written := 0

	report := func() {
		if opts.OnProgress != nil {
			opts.OnProgress(written, total)
		}
	}

	for offset := 0; offset < len(data); offset += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			report()
			return err
		}

		end := offset + opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		if err := writeFn(data[offset:end]); err != nil {
			report()
			return fmt.Errorf("failed to write chunk %d/%d: %w", written+1, total, err)
		}
		written++
		report()

		// Delay between fragments, not after the last one.
		if end < len(data) {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				report()
				return ctx.Err()
			}
		}
	}
	return nil
}
