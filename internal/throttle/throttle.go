// Package throttle implements the three independent resource limiters
// described in SPEC_FULL.md §5 and ported from original_source/throttle's
// open-files/ops/iops semaphores: a weighted semaphore bounding concurrently
// open files, and two token-bucket rate limiters bounding operations and
// IO operations per second.
package throttle

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// defaultOpenFilesFraction mirrors the Rust implementation's default of
// leaving headroom under RLIMIT_NOFILE rather than exhausting it.
const defaultOpenFilesFraction = 0.8

// OpenFiles bounds the number of *os.File descriptors rcp holds open at
// once. A permit is acquired for the lifetime of a file and released in
// the same defer that closes it.
type OpenFiles struct {
	sem *semaphore.Weighted
	max int64
}

// NewOpenFiles builds an OpenFiles limiter. If max <= 0, the limit is
// derived from 80% of the process's current RLIMIT_NOFILE soft limit.
func NewOpenFiles(max int64) (*OpenFiles, error) {
	if max <= 0 {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
			return nil, fmt.Errorf("throttle: getrlimit NOFILE: %w", err)
		}
		max = int64(float64(rlim.Cur) * defaultOpenFilesFraction)
		if max < 1 {
			max = 1
		}
	}
	return &OpenFiles{sem: semaphore.NewWeighted(max), max: max}, nil
}

// Max returns the configured capacity.
func (o *OpenFiles) Max() int64 { return o.max }

// Acquire blocks until an open-file permit is available or ctx is done.
func (o *OpenFiles) Acquire(ctx context.Context) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("throttle: acquire open-file permit: %w", err)
	}
	return nil
}

// Release returns a previously-acquired permit.
func (o *OpenFiles) Release() { o.sem.Release(1) }

// Ops throttles the rate of discrete operations (one token per directory
// walked and per file opened by the source engine; symlinks take none).
type Ops struct {
	limiter *rate.Limiter
}

// NewOps builds an Ops limiter allowing up to opsPerSec operations per
// second, with a burst of the same size. opsPerSec <= 0 means unlimited.
func NewOps(opsPerSec float64) *Ops {
	if opsPerSec <= 0 {
		return &Ops{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(opsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Ops{limiter: rate.NewLimiter(rate.Limit(opsPerSec), burst)}
}

// Wait blocks for a single operation token.
func (o *Ops) Wait(ctx context.Context) error {
	if err := o.limiter.WaitN(ctx, 1); err != nil {
		return fmt.Errorf("throttle: wait for ops token: %w", err)
	}
	return nil
}

// IOPS throttles the rate of IO operations, where a single file transfer
// consumes ceil(size/chunkSize) tokens — a large file costs proportionally
// more than a small one.
type IOPS struct {
	limiter   *rate.Limiter
	chunkSize int64
}

// NewIOPS builds an IOPS limiter allowing up to iopsPerSec tokens per
// second. chunkSize must be positive; it defines how many bytes one IO
// token represents. iopsPerSec <= 0 means unlimited.
func NewIOPS(iopsPerSec float64, chunkSize int64) *IOPS {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if iopsPerSec <= 0 {
		return &IOPS{limiter: rate.NewLimiter(rate.Inf, 0), chunkSize: chunkSize}
	}
	burst := int(iopsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &IOPS{limiter: rate.NewLimiter(rate.Limit(iopsPerSec), burst), chunkSize: chunkSize}
}

// TokensForSize computes the number of IO tokens a file of the given size
// consumes: 1 + (max(1,size)-1)/chunkSize, i.e. ceil(size/chunkSize) with a
// floor of one token for zero-byte files.
func (i *IOPS) TokensForSize(size int64) int {
	if size < 1 {
		size = 1
	}
	tokens := int(math.Ceil(float64(size) / float64(i.chunkSize)))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// WaitForFile blocks until enough IO tokens are available to cover a file
// of the given size.
func (i *IOPS) WaitForFile(ctx context.Context, size int64) error {
	n := i.TokensForSize(size)
	if err := i.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("throttle: wait for %d iops tokens: %w", n, err)
	}
	return nil
}

// Set bundles the three throttles a source/destination engine shares.
type Set struct {
	OpenFiles *OpenFiles
	Ops       *Ops
	IOPS      *IOPS
}

// NewSet builds a Set from the tuning knobs accepted on the CLI (spec §6).
// maxOpenFiles <= 0 derives from RLIMIT_NOFILE; opsPerSec/iopsPerSec <= 0
// mean unlimited.
func NewSet(maxOpenFiles int64, opsPerSec, iopsPerSec float64, chunkSize int64) (*Set, error) {
	of, err := NewOpenFiles(maxOpenFiles)
	if err != nil {
		return nil, err
	}
	return &Set{
		OpenFiles: of,
		Ops:       NewOps(opsPerSec),
		IOPS:      NewIOPS(iopsPerSec, chunkSize),
	}, nil
}
