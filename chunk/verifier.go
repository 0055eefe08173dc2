package chunk

import (
	"context"
	"runtime"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/piecework/internal/errorsx"
	"github.com/anacrolix/piecework/internal/metrics"
)

// Bitfield receives the results of verification.
type Bitfield interface {
	PiecesTotal() int
	MarkVerified(piece int) (bool, error)
}

// Verifier checks chunks against their digests. It's used for the pass over existing data when a
// torrent starts.
type Verifier struct {
	// Maximum concurrent verifications. 1 or less verifies sequentially.
	Workers int
	Logger  log.Logger
}

func NewVerifier(workers int, logger log.Logger) Verifier {
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return Verifier{
		Workers: workers,
		Logger:  logger,
	}
}

type verifyBatch struct {
	bf Bitfield

	mu       sync.Mutex
	verified *roaring.Bitmap
	errs     errorsx.Collector
}

// Verify checks every chunk and marks the matching ones in bf. Chunks that need data from units
// that don't exist yet are skipped. Failures reading storage don't stop the rest of the batch; they're
// returned joined once every chunk has been visited.
func (v Verifier) Verify(ctx context.Context, chunks []*Descriptor, bf Bitfield) (*roaring.Bitmap, error) {
	if bf.PiecesTotal() != len(chunks) {
		return nil, errorsx.Wrapf(ErrSizeMismatch, "bitfield has %d pieces, %d chunks given", bf.PiecesTotal(), len(chunks))
	}
	b := &verifyBatch{
		bf:       bf,
		verified: roaring.New(),
	}
	if v.Workers <= 1 {
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				b.errs.Add(err)
				break
			}
			v.verifyOne(b, c)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(v.Workers)
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				b.errs.Add(err)
				break
			}
			g.Go(func() error {
				v.verifyOne(b, c)
				return nil
			})
		}
		g.Wait()
	}
	v.Logger.Levelf(log.Debug, "verified %d/%d chunks", b.verified.GetCardinality(), len(chunks))
	return b.verified, b.errs.Err()
}

func (v Verifier) verifyOne(b *verifyBatch, c *Descriptor) {
	if !c.IsVerified() && c.NeedsUnmaterialized() {
		return
	}
	ok, err := c.Verify()
	if err != nil {
		metrics.VerifyErrors.Inc()
		b.errs.Add(err)
		return
	}
	if !ok {
		metrics.VerifyFailures.Inc()
		v.Logger.Levelf(log.Debug, "%v failed verification", c)
		return
	}
	first, err := b.bf.MarkVerified(c.Index())
	if err != nil {
		b.errs.Add(err)
		return
	}
	if first {
		metrics.PiecesVerified.Inc()
	}
	b.mu.Lock()
	b.verified.AddInt(c.Index())
	b.mu.Unlock()
}
