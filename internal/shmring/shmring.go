// Package shmring manages the named shared-memory ring a session shares with
// its engine process.
//
// The ring is a contiguous region of slots*frameBytes bytes backed by a POSIX
// shared-memory object (a file under /dev/shm on Linux). The session creates
// and unlinks the region; the engine only attaches and detaches. Exactly one
// writer (the engine) and any number of readers (broadcast views) touch the
// mapping.
package shmring

import (
	"fmt"
	"regexp"

	"golang.org/x/sys/unix"
)

// DefaultSlots is the ring depth: one slot in flight to clients, one just
// produced, one under construction.
const DefaultSlots = 3

const shmDir = "/dev/shm/"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Ring is a mapped shared-memory region divided into fixed-size slots.
type Ring struct {
	name       string
	slots      int
	frameBytes int
	data       []byte
	fd         int
	owner      bool
	closed     bool
}

// ValidateName checks that a shared-memory object name is safe to place
// under /dev/shm.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid shared memory name %q: only alphanumerics, hyphen and underscore allowed", name)
	}
	return nil
}

// Create allocates a new named region of slots*frameBytes bytes and maps it.
// Fails if the name already exists.
func Create(name string, slots, frameBytes int) (*Ring, error) {
	return open(name, slots, frameBytes, true)
}

// Attach maps an existing named region created by the peer process.
func Attach(name string, slots, frameBytes int) (*Ring, error) {
	return open(name, slots, frameBytes, false)
}

func open(name string, slots, frameBytes int, create bool) (*Ring, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if slots < 2 {
		return nil, fmt.Errorf("ring needs at least 2 slots, got %d", slots)
	}
	if frameBytes <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameBytes)
	}

	size := slots * frameBytes
	path := shmDir + name

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}

	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		if create {
			return nil, fmt.Errorf("failed to create shared memory %s: %w", name, err)
		}
		return nil, fmt.Errorf("failed to open shared memory %s: %w", name, err)
	}

	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("failed to size shared memory %s to %d bytes: %w", name, size, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if create {
			unix.Unlink(path)
		}
		return nil, fmt.Errorf("failed to map shared memory %s: %w", name, err)
	}

	return &Ring{
		name:       name,
		slots:      slots,
		frameBytes: frameBytes,
		data:       data,
		fd:         fd,
		owner:      create,
	}, nil
}

// Name returns the shared-memory object name.
func (r *Ring) Name() string { return r.name }

// Slots returns the ring depth.
func (r *Ring) Slots() int { return r.slots }

// FrameBytes returns the size of one slot.
func (r *Ring) FrameBytes() int { return r.frameBytes }

// Size returns the total mapped size.
func (r *Ring) Size() int { return r.slots * r.frameBytes }

// Bytes returns the whole mapped region.
func (r *Ring) Bytes() []byte { return r.data }

// Slot returns a zero-copy view of one slot. The view stays valid until the
// ring is closed; its contents are stable only until the writer revisits the
// same slot index.
func (r *Ring) Slot(i int) []byte {
	if i < 0 || i >= r.slots {
		panic(fmt.Sprintf("shmring: slot index %d out of range [0,%d)", i, r.slots))
	}
	off := i * r.frameBytes
	return r.data[off : off+r.frameBytes : off+r.frameBytes]
}

// Offset returns the byte offset of a slot within the region.
func (r *Ring) Offset(i int) int {
	return i * r.frameBytes
}

// Close unmaps the region and closes the descriptor. All slot views become
// invalid. Idempotent.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = fmt.Errorf("failed to unmap shared memory %s: %w", r.name, err)
		}
		r.data = nil
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close shared memory %s: %w", r.name, err)
	}
	return firstErr
}

// Unlink removes the name from the OS. Only the owning side calls this; a
// name already removed is not an error, so failure paths can unlink
// unconditionally.
func (r *Ring) Unlink() error {
	if err := unix.Unlink(shmDir + r.name); err != nil && err != unix.ENOENT {
		return fmt.Errorf("failed to unlink shared memory %s: %w", r.name, err)
	}
	return nil
}

// Exists reports whether a shared-memory object with the given name is
// currently present.
func Exists(name string) bool {
	var st unix.Stat_t
	return unix.Stat(shmDir+name, &st) == nil
}
