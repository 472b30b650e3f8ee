package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/mime"
	"github.com/mjl-/mstore/mlog"
)

// StoreAttachments content-addresses the attachment bodies of a parsed
// message: per attachment, the reference count is incremented (or the record
// inserted) in its own small write transaction. For a first reference, the
// blob file is written through a temp file and rename inside that
// transaction, before the record becomes visible: a committed record with
// Refs >= 1 always has its file on disk, a failed write rolls the reference
// back. Returns the magics in attachment order, with duplicates for identical
// content.
//
// This runs before the message record exists. If the enclosing append fails
// later, CleanupOrphans undoes these references.
func (a *Alias) StoreAttachments(ctx context.Context, log *mlog.Log, atts []mime.Attachment) (magics []string, rerr error) {
	defer func() {
		if rerr != nil {
			a.CleanupOrphans(log, magics)
			magics = nil
		}
	}()

	for _, att := range atts {
		sum := sha256.Sum256(att.Content)
		magic := fmt.Sprintf("%x", sum)

		err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
			q := bstore.QueryTx[Attachment](tx)
			q.FilterNonzero(Attachment{Magic: magic})
			ar, err := q.Get()
			if err == bstore.ErrAbsent {
				if err := tx.Insert(&Attachment{Magic: magic, Size: int64(len(att.Content)), Refs: 1}); err != nil {
					return err
				}
				return a.writeBlobFile(magic, att.Content)
			} else if err != nil {
				return err
			}
			ar.Refs++
			return tx.Update(&ar)
		})
		if err != nil {
			return magics, fmt.Errorf("referencing attachment blob %s: %w", magic, err)
		}
		magics = append(magics, magic)
	}
	return magics, nil
}

// writeBlobFile writes a blob through a temp file and rename, the blob file
// appears complete or not at all.
func (a *Alias) writeBlobFile(magic string, content []byte) error {
	p := a.BlobPath(magic)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(p), "blobtmp")
	if err != nil {
		return fmt.Errorf("creating blob temp file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("writing blob file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync blob file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing blob file: %w", err)
	}
	f = nil
	if err := os.Rename(name, p); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming blob file into place: %w", err)
	}
	return nil
}

// CleanupOrphans decrements the reference counts of the given blobs,
// removing record and file at zero references. For blobs stored during an
// append that subsequently failed. A blob already cleaned up concurrently is
// a no-op, a blob still referenced by a stored message is never deleted. The
// file removal runs inside the write transaction that deletes the record, the
// single writer serializes it against a concurrent re-reference writing the
// file anew. Failures are logged only.
func (a *Alias) CleanupOrphans(log *mlog.Log, magics []string) {
	for _, magic := range magics {
		err := a.DB.Write(context.Background(), func(tx *bstore.Tx) error {
			q := bstore.QueryTx[Attachment](tx)
			q.FilterNonzero(Attachment{Magic: magic})
			ar, err := q.Get()
			if err == bstore.ErrAbsent {
				return nil
			} else if err != nil {
				return err
			}
			ar.Refs--
			if ar.Refs > 0 {
				return tx.Update(&ar)
			}
			if err := tx.Delete(&ar); err != nil {
				return err
			}
			if err := os.Remove(a.BlobPath(magic)); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		})
		if err != nil {
			log.Errorx("cleaning up attachment blob reference", err, mlog.Field("magic", magic))
		}
	}
}
