package piecework

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/conn"
)

type Stats struct {
	PiecesTotal     int
	PiecesComplete  int
	PiecesRemaining int
	PiecesSkipped   int
	Peers           int
	Endgame         bool
	// Aggregated over all connections, past and present.
	conn.Counters
}

func (t *Torrent) Stats() (ret Stats) {
	ret.PiecesTotal = t.local.PiecesTotal()
	ret.PiecesComplete = t.local.PiecesComplete()
	ret.PiecesRemaining = t.local.PiecesRemaining()
	ret.PiecesSkipped = t.local.PiecesSkipped()
	ret.Endgame = t.table.Endgame()
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret.Peers = len(t.peers)
	ret.Counters = t.removedStats.Snapshot()
	for _, p := range t.peers {
		ret.Counters.Add(&p.state.Stats)
	}
	return
}

func dumpStats[T any](w io.Writer, stats T) {
	spew.Fdump(w, stats)
}

// WriteStatus writes a human readable summary of the torrent.
func (t *Torrent) WriteStatus(w io.Writer) {
	stats := t.Stats()
	fmt.Fprintf(w, "Infohash: %s\n", t.infoHash.HexString())
	fmt.Fprintf(w, "Length: %s in %d pieces of %s\n",
		humanize.IBytes(uint64(t.length)), len(t.chunks), humanize.IBytes(uint64(t.pieceLength)))
	fmt.Fprintf(w, "Pieces: %d complete, %d remaining, %d skipped\n",
		stats.PiecesComplete, stats.PiecesRemaining, stats.PiecesSkipped)
	fmt.Fprint(w, "Piece states: ")
	for _, d := range t.chunks {
		fmt.Fprint(w, pieceStatusChar(d.Status()))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Peers: %d (endgame: %v)\n", stats.Peers, stats.Endgame)
	fmt.Fprintf(w, "Downloaded: %s, uploaded: %s\n",
		humanize.IBytes(uint64(stats.BytesDownloaded.Int64())), humanize.IBytes(uint64(stats.BytesUploaded.Int64())))
	dumpStats(w, stats.Counters)
}

func pieceStatusChar(s chunk.Status) string {
	switch s {
	case chunk.Verified:
		return "H"
	case chunk.Complete:
		return "C"
	case chunk.Incomplete:
		return "P"
	default:
		return "."
	}
}
