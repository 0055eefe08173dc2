package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/torrent/metainfo"
	"go.etcd.io/bbolt"

	"github.com/anacrolix/piecework/internal/errorsx"
)

// CompletionStore persists the set of verified pieces of a torrent between runs. Reading an
// unknown torrent returns an empty bitmap.
type CompletionStore interface {
	Delete(id metainfo.Hash) error
	Read(id metainfo.Hash) (*roaring.Bitmap, error)
	Write(id metainfo.Hash, bm *roaring.Bitmap) error
}

// NewBitmapFileStore keeps one serialized bitmap per torrent beneath root.
func NewBitmapFileStore(root string) (bitmapFileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return bitmapFileStore{}, errorsx.Wrap(err, "unable to ensure bitmap cache root directory")
	}

	return bitmapFileStore{
		root: root,
	}, nil
}

type bitmapFileStore struct {
	root string
}

var _ CompletionStore = bitmapFileStore{}

// Delete implements CompletionStore.
func (t bitmapFileStore) Delete(id metainfo.Hash) error {
	return errorsx.Ignore(os.Remove(t.path(id)), fs.ErrNotExist)
}

func (t bitmapFileStore) path(id metainfo.Hash) string {
	return filepath.Join(t.root, fmt.Sprintf("%s.bitmap", id.HexString()))
}

func (t bitmapFileStore) Read(id metainfo.Hash) (*roaring.Bitmap, error) {
	p := t.path(id)
	src, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return roaring.New(), nil
	} else if err != nil {
		return nil, errorsx.Wrapf(err, "unable to read bitmap from %s", p)
	}
	defer src.Close()

	bm := roaring.New()

	if _, err := bm.ReadFrom(src); err != nil {
		return nil, errorsx.Wrapf(err, "unable to read bitmap from %s", p)
	}

	return bm, nil
}

func (t bitmapFileStore) Write(id metainfo.Hash, bitmap *roaring.Bitmap) error {
	p := t.path(id)
	dst, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o600)
	if err != nil {
		return errorsx.Wrapf(err, "unable to write bitmap to %s", p)
	}
	defer dst.Close()
	if _, err := bitmap.WriteTo(dst); err != nil {
		return errorsx.Wrapf(err, "unable to write bitmap to %s", p)
	}
	return nil
}

var completionBucket = []byte("completion")

// NewBoltCompletion keeps the bitmaps of all torrents in a single bolt database file.
func NewBoltCompletion(path string) (*BoltCompletion, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errorsx.Wrap(err, "unable to ensure completion directory")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errorsx.Wrapf(err, "opening completion db %s", path)
	}
	db.NoSync = true
	return &BoltCompletion{db: db}, nil
}

type BoltCompletion struct {
	db *bbolt.DB
}

var _ CompletionStore = (*BoltCompletion)(nil)

func (me *BoltCompletion) Close() error {
	return me.db.Close()
}

func (me *BoltCompletion) Read(id metainfo.Hash) (bm *roaring.Bitmap, err error) {
	bm = roaring.New()
	err = me.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(completionBucket)
		if b == nil {
			return nil
		}
		v := b.Get(id[:])
		if v == nil {
			return nil
		}
		// The value is only valid for the life of the transaction.
		_, err := bm.ReadFrom(bytes.NewReader(bytes.Clone(v)))
		return err
	})
	return bm, errorsx.Wrap(err, "reading completion")
}

func (me *BoltCompletion) Write(id metainfo.Hash, bm *roaring.Bitmap) error {
	v, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return me.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(completionBucket)
		if err != nil {
			return err
		}
		return b.Put(id[:], v)
	})
}

func (me *BoltCompletion) Delete(id metainfo.Hash) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(completionBucket)
		if b == nil {
			return nil
		}
		return b.Delete(id[:])
	})
}
