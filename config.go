package piecework

import (
	"runtime"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/conn"
	"github.com/anacrolix/piecework/storage"
)

// Config for a Torrent. Probably not safe to modify after it's given to a Torrent.
type Config struct {
	// Size of the blocks requested from peers. Capped to the piece length.
	BlockSize int64 `long:"block-size"`
	// Length of the piece digests.
	DigestLength int `long:"digest-length"`
	// Maximum requests in flight to a single peer.
	MaxPendingRequests int `long:"max-pending-requests"`
	// Minimum time after choking a peer before it's unchoked again.
	ChokeInterval time.Duration `long:"choke-interval"`
	// How long a peer gets to download a piece before the piece is made available to others.
	AssignmentTimeout time.Duration `long:"assignment-timeout"`
	// How long requests can go unanswered before they're sent again.
	RequestStaleness time.Duration `long:"request-staleness"`
	// How often peers without an assignment are checked for pieces we want.
	RefreshInterval time.Duration `long:"refresh-interval"`
	// Concurrent piece verifications when checking existing data. 1 or less verifies
	// sequentially.
	VerifyWorkers int `long:"verify-workers"`

	// Never send blocks to peers.
	NoUpload bool `long:"no-upload"`
	// Each token is one byte of block data uploaded. The burst must fit the largest block served.
	UploadRateLimiter *rate.Limiter

	// Where verified pieces are recorded, so they're not verified again on restart. May be nil.
	Completion storage.CompletionStore

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		BlockSize:          chunk.DefaultBlockSize,
		DigestLength:       20,
		MaxPendingRequests: conn.DefaultMaxPendingRequests,
		ChokeInterval:      conn.DefaultChokeInterval,
		AssignmentTimeout:  conn.DefaultAssignmentTimeout,
		RequestStaleness:   conn.DefaultRequestStaleness,
		RefreshInterval:    conn.DefaultRefreshInterval,
		VerifyWorkers:      runtime.NumCPU(),
		UploadRateLimiter:  rate.NewLimiter(rate.Inf, 0),
		Logger:             log.Default.WithNames("piecework"),
	}
}
