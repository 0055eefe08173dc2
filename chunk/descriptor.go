// Package chunk models torrent pieces as descriptors over the storage, and verifies them against
// their expected digests.
package chunk

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"github.com/anacrolix/piecework/data"
	"github.com/anacrolix/piecework/internal/errorsx"
)

const (
	ErrVerified     = errorsx.String("chunk already verified")
	ErrSizeMismatch = errorsx.String("bitfield and chunk list sizes differ")
	ErrDigestLength = errorsx.String("unexpected digest length")
	// A piece length or block size that isn't positive.
	ErrInvalidLength = errorsx.String("invalid length")
)

type Status int32

const (
	Empty Status = iota
	Incomplete
	Complete
	Verified
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Descriptor is a single piece: a data range, the digest it must hash to, and the blocks of it
// received so far.
type Descriptor struct {
	index    int
	data     *data.Range
	checksum []byte
	blocks   *data.BlockSet
	newHash  func() hash.Hash

	status atomic.Int32
	// Incremented by every write, so a verification can tell if data changed while it was
	// hashing.
	generation atomic.Uint64
}

func NewDescriptor(index int, r *data.Range, checksum []byte, blockSize int64) *Descriptor {
	return &Descriptor{
		index:    index,
		data:     r,
		checksum: checksum,
		blocks:   data.NewBlockSet(r.Len(), min(blockSize, r.Len())),
		newHash:  sha1.New,
	}
}

func (d *Descriptor) Index() int {
	return d.index
}

func (d *Descriptor) Data() *data.Range {
	return d.data
}

func (d *Descriptor) Checksum() []byte {
	return d.checksum
}

func (d *Descriptor) Blocks() *data.BlockSet {
	return d.blocks
}

func (d *Descriptor) Len() int64 {
	return d.data.Len()
}

func (d *Descriptor) Status() Status {
	return Status(d.status.Load())
}

func (d *Descriptor) IsVerified() bool {
	return d.Status() == Verified
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("chunk %d (%v, %d/%d blocks)", d.index, d.Status(), d.blocks.Present(), d.blocks.Count())
}

// Write stores b at offset within the chunk and marks the blocks it fully covers. Verified chunks
// are immutable.
func (d *Descriptor) Write(offset int64, b []byte) error {
	_, err := d.WriteBlock(offset, b)
	return err
}

// WriteBlock is Write, also reporting whether this write is the one that completed the chunk.
func (d *Descriptor) WriteBlock(offset int64, b []byte) (completed bool, err error) {
	if d.IsVerified() {
		return false, errorsx.Wrapf(ErrVerified, "chunk %d", d.index)
	}
	if len(b) == 0 {
		return false, nil
	}
	r, err := d.data.Subrange(offset, int64(len(b)))
	if err != nil {
		return false, errorsx.Wrapf(err, "chunk %d", d.index)
	}
	defer r.Close()
	lock := d.data.Lock()
	lock.Lock()
	defer lock.Unlock()
	if d.IsVerified() {
		return false, errorsx.Wrapf(ErrVerified, "chunk %d", d.index)
	}
	d.generation.Add(1)
	if err = r.PutBytesLocked(b); err != nil {
		return false, err
	}
	if _, err = d.blocks.Mark(offset, int64(len(b))); err != nil {
		return false, err
	}
	return d.updateStatus(), nil
}

// updateStatus sets the status from the blocks present. It returns true if the chunk became
// Complete. The caller holds the exclusive lock.
func (d *Descriptor) updateStatus() bool {
	next := Incomplete
	switch {
	case d.blocks.IsComplete():
		next = Complete
	case d.blocks.IsEmpty():
		next = Empty
	}
	for {
		cur := d.status.Load()
		if Status(cur) == Verified {
			return false
		}
		if d.status.CompareAndSwap(cur, int32(next)) {
			return next == Complete && Status(cur) != Complete
		}
	}
}

// Verify hashes the chunk data and compares it with the expected checksum. A verified chunk stays
// verified. Mismatches return false without error. If the data is written while it's being hashed,
// it's hashed again.
func (d *Descriptor) Verify() (bool, error) {
	for {
		if d.IsVerified() {
			return true, nil
		}
		gen := d.generation.Load()
		sum, err := d.digest()
		if err != nil {
			return false, err
		}
		if !bytes.Equal(sum, d.checksum) {
			return false, nil
		}
		if d.markVerifiedIfUnchanged(gen) {
			return true, nil
		}
	}
}

func (d *Descriptor) markVerifiedIfUnchanged(gen uint64) bool {
	lock := d.data.Lock()
	lock.Lock()
	defer lock.Unlock()
	if d.generation.Load() != gen {
		return false
	}
	d.markVerified()
	return true
}

func (d *Descriptor) digest() ([]byte, error) {
	h := d.newHash()
	n, err := d.data.WriteTo(h)
	if err != nil {
		return nil, errorsx.Wrapf(err, "hashing chunk %d", d.index)
	}
	if n != d.data.Len() {
		return nil, errorsx.Wrapf(io.ErrUnexpectedEOF, "hashing chunk %d: read %d of %d bytes", d.index, n, d.data.Len())
	}
	return h.Sum(nil), nil
}

func (d *Descriptor) markVerified() bool {
	for {
		cur := d.status.Load()
		if Status(cur) == Verified {
			return false
		}
		if d.status.CompareAndSwap(cur, int32(Verified)) {
			d.blocks.Fill()
			return true
		}
	}
}

// MarkVerified trusts that the stored data is correct without hashing it, such as when it was
// recorded as verified by a previous session. Returns true if the status changed.
func (d *Descriptor) MarkVerified() bool {
	lock := d.data.Lock()
	lock.Lock()
	defer lock.Unlock()
	return d.markVerified()
}

// Reset forgets the blocks received for a chunk that isn't verified, so they're requested again.
func (d *Descriptor) Reset() error {
	lock := d.data.Lock()
	lock.Lock()
	defer lock.Unlock()
	if d.IsVerified() {
		return errorsx.Wrapf(ErrVerified, "resetting chunk %d", d.index)
	}
	d.blocks.Clear()
	d.generation.Add(1)
	d.updateStatus()
	return nil
}

// ReadBlock returns length bytes at offset of a verified chunk.
func (d *Descriptor) ReadBlock(offset, length int64) ([]byte, error) {
	r, err := d.data.Subrange(offset, length)
	if err != nil {
		return nil, errorsx.Wrapf(err, "chunk %d", d.index)
	}
	defer r.Close()
	return r.Bytes()
}

// NeedsUnmaterialized reports whether the chunk needs bytes from a unit that has nothing stored.
// Such chunks can't pass verification.
func (d *Descriptor) NeedsUnmaterialized() bool {
	for _, u := range d.data.Units() {
		if u.Size() == 0 {
			return true
		}
	}
	return false
}
