// Package memblock allocates and frees
// the shared-memory backing store for the transport region using
// memfd_create + ftruncate + mmap, the same primitive shape the DMA-BUF/
// MemFd descriptors in a ProxyBuffer ultimately name.
package memblock

import (
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/revert"
)

// Flags controls how a Block's backing memfd is created.
type Flags struct {
	// Sealable requests F_SEAL-able memfd semantics (MFD_ALLOW_SEALING).
	Sealable bool
}

// Block is a memfd-backed, mmap'd region of shared memory.
type Block struct {
	FD   int
	Data []byte
	size int
}

// Alloc creates a new memfd of the given size, maps it MAP_SHARED, and
// returns the resulting Block. name is cosmetic (visible in
// /proc/<pid>/fd) and has no semantic effect.
func Alloc(name string, size int, flags Flags) (*Block, error) {
	if size <= 0 {
		return nil, errors.Errorf("memblock: invalid size %d", size)
	}

	mfdFlags := uint(unix.MFD_CLOEXEC)
	if flags.Sealable {
		mfdFlags |= unix.MFD_ALLOW_SEALING
	}

	var fd int

	rev := revert.New()
	defer rev.Fail()

	err := retry.Retry(func(attempt uint) error {
		var err error
		fd, err = unix.MemfdCreate(name, int(mfdFlags))
		return err
	}, retryStrategy()...)
	if err != nil {
		return nil, errors.Wrap(err, "memblock: memfd_create")
	}

	rev.Add(func() { _ = unix.Close(fd) })

	err = retry.Retry(func(attempt uint) error {
		return unix.Ftruncate(fd, int64(size))
	}, retryStrategy()...)
	if err != nil {
		return nil, errors.Wrap(err, "memblock: ftruncate")
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "memblock: mmap")
	}

	rev.Success()

	return &Block{FD: fd, Data: data, size: size}, nil
}

// Free unmaps and closes the block. Idempotent: calling Free twice is a
// no-op on the second call.
func (b *Block) Free() {
	if b == nil || b.FD < 0 {
		return
	}

	if b.Data != nil {
		_ = unix.Munmap(b.Data)
		b.Data = nil
	}

	_ = unix.Close(b.FD)
	b.FD = -1
}

// Size returns the block's byte size.
func (b *Block) Size() int {
	return b.size
}

func retryStrategy() []strategy.Strategy {
	return []strategy.Strategy{
		strategy.Limit(5),
		strategy.Backoff(backoff.Linear(2 * time.Millisecond)),
	}
}
