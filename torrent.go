// Package piecework keeps track of the pieces of a torrent: which are present and verified, and
// which peer to ask for which missing piece next.
package piecework

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/piecework/assign"
	"github.com/anacrolix/piecework/bitfield"
	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/conn"
	"github.com/anacrolix/piecework/internal/errorsx"
	"github.com/anacrolix/piecework/internal/metrics"
	"github.com/anacrolix/piecework/storage"
)

const (
	ErrUnknownPeer   = errorsx.String("unknown peer")
	ErrDuplicatePeer = errorsx.String("peer already added")
	ErrClosed        = errorsx.String("torrent closed")
)

// Sender delivers messages to a peer. It's called from several goroutines at once.
type Sender interface {
	Send(pp.Message) error
}

type SenderFunc func(pp.Message) error

func (f SenderFunc) Send(msg pp.Message) error {
	return f(msg)
}

type peer struct {
	state  *conn.State[string]
	sender Sender
}

// Torrent drives the transfer of the pieces of a single torrent with its peers. Each peer is
// expected to be driven from its own goroutine, calling Handle with the messages it receives and
// Tick periodically.
type Torrent struct {
	cfg      *Config
	logger   log.Logger
	infoHash metainfo.Hash

	pieceLength int64
	length      int64
	chunks      []*chunk.Descriptor
	local       *bitfield.Local
	table       *assign.Table[string]
	choker      conn.Choker
	producer    *conn.Producer[string]
	consumer    *conn.Consumer[string]
	uploader    conn.Uploader
	// The number of connected peers with each piece.
	availability []atomic.Int32

	mu           sync.RWMutex
	peers        map[string]*peer
	skippedFiles map[int]struct{}
	// Stats of peers that have been removed.
	removedStats conn.Counters

	persistMu sync.Mutex
	closed    chansync.SetOnce
}

type Option func(*Torrent)

// WithInfoHash sets the key the torrent's completion is stored under.
func WithInfoHash(h metainfo.Hash) Option {
	return func(t *Torrent) {
		t.infoHash = h
	}
}

// New creates a Torrent for data laid out end to end in units, in pieces of pieceLength with the
// given digests. Existing data is checked before it returns, and any failure reading it is fatal.
func New(ctx context.Context, cfg *Config, units []storage.Unit, pieceLength int64, hashes [][]byte, opts ...Option) (*Torrent, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	chunks, err := chunk.Build(units, pieceLength, hashes,
		chunk.WithBlockSize(min(cfg.BlockSize, pieceLength)),
		chunk.WithDigestLength(cfg.DigestLength))
	if err != nil {
		return nil, err
	}
	t := &Torrent{
		cfg:          cfg,
		logger:       cfg.Logger,
		pieceLength:  pieceLength,
		length:       storage.Capacity(units...),
		chunks:       chunks,
		choker:       conn.Choker{Interval: cfg.ChokeInterval},
		uploader:     conn.Uploader{Chunks: chunks},
		availability: make([]atomic.Int32, len(chunks)),
		peers:        make(map[string]*peer),
		skippedFiles: make(map[int]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.local = bitfield.NewLocal(len(chunks), bitfield.WithFileSpans(fileSpans(units, pieceLength)...))
	t.table = assign.New[string](t.local.PiecesRemaining)
	t.producer = &conn.Producer[string]{
		Chunks:             chunks,
		Local:              t.local,
		Table:              t.table,
		Availability:       t.pieceAvailability,
		MaxPendingRequests: cfg.MaxPendingRequests,
		AssignmentTimeout:  cfg.AssignmentTimeout,
		RequestStaleness:   cfg.RequestStaleness,
		Logger:             t.logger.WithNames("producer"),
	}
	t.consumer = &conn.Consumer[string]{
		Chunks:     chunks,
		Local:      t.local,
		Table:      t.table,
		OnVerified: t.onVerified,
		Logger:     t.logger.WithNames("consumer"),
	}
	t.loadCompletion()
	verified, err := chunk.NewVerifier(cfg.VerifyWorkers, t.logger.WithNames("verifier")).Verify(ctx, chunks, t.local)
	if err != nil {
		return nil, errorsx.Wrap(err, "verifying existing data")
	}
	t.logger.Levelf(log.Info, "%d/%d pieces verified at start", verified.GetCardinality(), len(chunks))
	t.persist()
	return t, nil
}

// NewFromInfo creates a Torrent for the files of a metainfo.
func NewFromInfo(ctx context.Context, cfg *Config, info *metainfo.Info, units []storage.Unit) (*Torrent, error) {
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, errorsx.Wrap(err, "encoding info")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	hashes, err := chunk.SplitHashes(info.Pieces, cfg.DigestLength)
	if err != nil {
		return nil, err
	}
	if total := storage.Capacity(units...); total != info.TotalLength() {
		return nil, errorsx.Wrapf(chunk.ErrSizeMismatch, "units hold %d bytes, info describes %d", total, info.TotalLength())
	}
	return New(ctx, cfg, units, info.PieceLength, hashes, WithInfoHash(metainfo.HashBytes(infoBytes)))
}

// fileSpans returns the pieces each unit has bytes in.
func fileSpans(units []storage.Unit, pieceLength int64) (ret []bitfield.Span) {
	var off int64
	for _, u := range units {
		begin := int(off / pieceLength)
		end := begin
		if u.Capacity() > 0 {
			end = int((off + u.Capacity() + pieceLength - 1) / pieceLength)
		}
		ret = append(ret, bitfield.Span{Begin: begin, End: end})
		off += u.Capacity()
	}
	return
}

// loadCompletion trusts pieces recorded as verified by a previous session, as long as their data
// still exists.
func (t *Torrent) loadCompletion() {
	if t.cfg.Completion == nil {
		return
	}
	bm, err := t.cfg.Completion.Read(t.infoHash)
	if err != nil {
		t.logger.WithDefaultLevel(log.Warning).Printf("reading completion for %v: %v", t.infoHash, err)
		return
	}
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= len(t.chunks) {
			break
		}
		d := t.chunks[i]
		if d.NeedsUnmaterialized() {
			continue
		}
		d.MarkVerified()
		t.local.MarkVerified(i)
	}
}

func (t *Torrent) persist() {
	if t.cfg.Completion == nil {
		return
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	if err := t.cfg.Completion.Write(t.infoHash, t.local.Bitmap()); err != nil {
		t.logger.WithDefaultLevel(log.Warning).Printf("writing completion for %v: %v", t.infoHash, err)
	}
}

func (t *Torrent) onVerified(piece int, from string) {
	t.logger.Levelf(log.Debug, "piece %d verified, last block from %v", piece, from)
	t.persist()
	have := pp.Message{Type: pp.Have, Index: pp.Integer(piece)}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, p := range t.peers {
		if err := p.sender.Send(have); err != nil {
			t.logger.Levelf(log.Debug, "sending have to %v: %v", id, err)
		}
	}
}

func (t *Torrent) pieceAvailability(piece int) int {
	return int(t.availability[piece].Load())
}

func (t *Torrent) NumPieces() int {
	return len(t.chunks)
}

func (t *Torrent) PieceLength() int64 {
	return t.pieceLength
}

func (t *Torrent) Length() int64 {
	return t.length
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

// Bitfield is the set of verified pieces.
func (t *Torrent) Bitfield() *bitfield.Local {
	return t.local
}

func (t *Torrent) Piece(i int) *chunk.Descriptor {
	return t.chunks[i]
}

// AddPeer registers a connected peer. Our bitfield is sent to it straight away.
func (t *Torrent) AddPeer(id string, sender Sender) error {
	if t.closed.IsSet() {
		return ErrClosed
	}
	t.mu.Lock()
	if _, ok := t.peers[id]; ok {
		t.mu.Unlock()
		return errorsx.Wrapf(ErrDuplicatePeer, "%v", id)
	}
	p := &peer{
		state:  conn.NewState(id, len(t.chunks), t.cfg.RefreshInterval),
		sender: sender,
	}
	t.peers[id] = p
	t.mu.Unlock()
	metrics.ConnectedPeers.Inc()
	if t.local.PiecesComplete() == 0 {
		return nil
	}
	return sender.Send(pp.Message{
		Type:     pp.Bitfield,
		Bitfield: t.local.Bools(),
	})
}

// RemovePeer forgets a peer. Its claims on pieces are released before this returns.
func (t *Torrent) RemovePeer(id string) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	t.mu.Unlock()
	if !ok {
		return errorsx.Wrapf(ErrUnknownPeer, "%v", id)
	}
	p.state.Close()
	t.table.RemoveAssignments(id)
	t.adjustAvailability(p.state.Have(), -1)
	t.mu.Lock()
	t.removedStats.Add(&p.state.Stats)
	t.mu.Unlock()
	metrics.ConnectedPeers.Dec()
	return nil
}

func (t *Torrent) adjustAvailability(have *bitfield.Peer, delta int32) {
	have.Iterate(func(i int) bool {
		t.availability[i].Add(delta)
		return true
	})
}

func (t *Torrent) peer(id string) (*peer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, errorsx.Wrapf(ErrUnknownPeer, "%v", id)
	}
	return p, nil
}

// Peers returns the ids of the connected peers, sorted.
func (t *Torrent) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ret = append(ret, id)
	}
	slices.Sort(ret)
	return ret
}

// PeerState returns the state of a connected peer.
func (t *Torrent) PeerState(id string) (*conn.State[string], error) {
	p, err := t.peer(id)
	if err != nil {
		return nil, err
	}
	return p.state, nil
}

// Handle processes a message received from a peer.
func (t *Torrent) Handle(ctx context.Context, id string, msg pp.Message) error {
	p, err := t.peer(id)
	if err != nil {
		return err
	}
	s := p.state
	if msg.Keepalive {
		return nil
	}
	switch msg.Type {
	case pp.Bitfield:
		have, err := bitfield.FromBools(len(t.chunks), msg.Bitfield)
		if err != nil {
			return errorsx.Wrapf(err, "bitfield from %v", id)
		}
		t.replaceHave(s, have)
	case pp.HaveAll:
		have := bitfield.NewPeer(len(t.chunks))
		for i := range t.chunks {
			have.Set(i)
		}
		t.replaceHave(s, have)
	case pp.HaveNone:
		t.replaceHave(s, bitfield.NewPeer(len(t.chunks)))
	case pp.Have:
		first, err := s.Have().Set(int(msg.Index))
		if err != nil {
			return errorsx.Wrapf(err, "have from %v", id)
		}
		if first {
			t.availability[msg.Index].Add(1)
		}
	case pp.Choke:
		t.producer.Choked(s)
	case pp.Unchoke:
		s.Unchoked()
	case pp.Interested:
		s.Choke.SetPeerInterested(true)
	case pp.NotInterested:
		s.Choke.SetPeerInterested(false)
		// Choking an uninterested peer doesn't wait for the next tick.
		return t.applyChoke(p, time.Now())
	case pp.Piece:
		t.consumer.Piece(s, msg)
	case pp.Request:
		return t.serve(ctx, p, msg)
	}
	return nil
}

func (t *Torrent) replaceHave(s *conn.State[string], have *bitfield.Peer) {
	t.adjustAvailability(s.Have(), -1)
	s.SetHave(have)
	t.adjustAvailability(have, 1)
}

func (t *Torrent) serve(ctx context.Context, p *peer, msg pp.Message) error {
	if t.cfg.NoUpload {
		return nil
	}
	reply, ok, err := t.uploader.Serve(&p.state.Choke, &p.state.Stats, msg)
	if err != nil {
		return errorsx.Wrapf(err, "request from %v", p.state.Peer)
	}
	if !ok {
		return nil
	}
	if err := t.cfg.UploadRateLimiter.WaitN(ctx, len(reply.Piece)); err != nil {
		return err
	}
	return p.sender.Send(reply)
}

func (t *Torrent) applyChoke(p *peer, now time.Time) error {
	t.choker.Decide(&p.state.Choke, now)
	if msg, ok := t.choker.Apply(&p.state.Choke, now); ok {
		return p.sender.Send(msg)
	}
	return nil
}

// Tick runs the periodic work for a peer: choking decisions and requests for pieces.
func (t *Torrent) Tick(id string) error {
	p, err := t.peer(id)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := t.applyChoke(p, now); err != nil {
		return err
	}
	for _, msg := range t.producer.Tick(p.state, now) {
		if err := p.sender.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Torrent) fileSpan(f int) (bitfield.Span, error) {
	if f < 0 || f >= t.local.NumFiles() {
		return bitfield.Span{}, errorsx.Wrapf(bitfield.ErrIndexRange, "file %d of %d", f, t.local.NumFiles())
	}
	return t.local.FileSpan(f), nil
}

// SkipFile stops downloading the pieces of a file that aren't shared with files we still want.
func (t *Torrent) SkipFile(f int) error {
	span, err := t.fileSpan(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skippedFiles[f] = struct{}{}
	var skip []int
	for i := span.Begin; i < span.End; i++ {
		if t.allFilesSkippedLocked(i) {
			skip = append(skip, i)
		}
	}
	return t.local.Skip(skip...)
}

func (t *Torrent) allFilesSkippedLocked(piece int) bool {
	for f := range t.local.NumFiles() {
		span := t.local.FileSpan(f)
		if piece < span.Begin || piece >= span.End {
			continue
		}
		if _, ok := t.skippedFiles[f]; !ok {
			return false
		}
	}
	return true
}

// UnskipFile resumes downloading all the pieces of a file.
func (t *Torrent) UnskipFile(f int) error {
	span, err := t.fileSpan(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.skippedFiles, f)
	for i := span.Begin; i < span.End; i++ {
		if err := t.local.Unskip(i); err != nil {
			return err
		}
	}
	return nil
}

// WaitAll blocks until every piece is verified.
func (t *Torrent) WaitAll(ctx context.Context) error {
	return t.local.WaitAll(ctx)
}

// Close drops all peers and waits for received blocks to be written. The completion is persisted
// one last time.
func (t *Torrent) Close() error {
	if !t.closed.Set() {
		return nil
	}
	for _, id := range t.Peers() {
		t.RemovePeer(id)
	}
	t.consumer.Wait()
	t.persist()
	return nil
}
