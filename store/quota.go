package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mstore/metrics"
	"github.com/mjl-/mstore/mlog"
	"github.com/mjl-/mstore/mstore-"
)

// CanAddMessageSize checks if the alias can store an additional size bytes
// within the maximum quota of its domain. The boundary is inclusive: usage
// ending up exactly at the maximum is allowed. A maximum of 0 means
// unlimited.
func (a *Alias) CanAddMessageSize(tx *bstore.Tx, size int64) (ok bool, maxSize int64, err error) {
	maxSize = mstore.Conf.MaxQuota(a.Name)
	if maxSize <= 0 {
		return true, 0, nil
	}
	du := Usage{ID: 1}
	if err := tx.Get(&du); err != nil {
		return false, maxSize, fmt.Errorf("getting storage usage: %w", err)
	}
	return du.MessageSize+size <= maxSize, maxSize, nil
}

// AddMessageSize adjusts the storage accounting. Failures are logged only,
// accounting is best-effort and corrected by recalculation.
func (a *Alias) AddMessageSize(log *mlog.Log, tx *bstore.Tx, size int64) {
	du := Usage{ID: 1}
	err := tx.Get(&du)
	if err == nil {
		du.MessageSize += size
		err = tx.Update(&du)
	}
	if err != nil {
		log.Errorx("updating alias storage usage", err, mlog.Field("delta", size))
	}
}

// RecalculateSize recomputes the authoritative storage usage from the message
// records and stores it, returning the new total.
func (a *Alias) RecalculateSize(ctx context.Context) (int64, error) {
	var total int64
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		total = 0
		q := bstore.QueryTx[Message](tx)
		if err := q.ForEach(func(m Message) error {
			total += m.Size
			return nil
		}); err != nil {
			return fmt.Errorf("summing message sizes: %w", err)
		}
		du := Usage{ID: 1}
		if err := tx.Get(&du); err != nil {
			return fmt.Errorf("getting storage usage: %w", err)
		}
		du.MessageSize = total
		return tx.Update(&du)
	})
	return total, err
}

// ErrSizeWorkerBusy is returned when the size recalculation worker did not
// pick up or answer a request within the caller's timeout. A soft failure for
// asynchronous refresh, callers retry later.
var ErrSizeWorkerBusy = errors.New("size recalculation worker busy")

type sizeRequest struct {
	alias *Alias
	resp  chan sizeResponse
}

type sizeResponse struct {
	Size int64
	Err  error
}

var sizeRequests = make(chan sizeRequest)

// StartSizeWorker starts the worker that serves storage-usage recalculation
// requests, serialized so concurrent refreshes do not pile up table scans.
// The returned stop function ends the worker.
func StartSizeWorker() (stop func()) {
	done := make(chan struct{})
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in size worker", mlog.Field("panic", x))
				metrics.PanicInc("store")
			}
		}()
		for {
			select {
			case <-done:
				return
			case req := <-sizeRequests:
				size, err := req.alias.RecalculateSize(mstore.Shutdown)
				req.resp <- sizeResponse{size, err}
			}
		}
	}()
	return func() { close(done) }
}

// RequestRecalculateSize asks the size worker for a recalculation, waiting at
// most timeout for the worker to accept and answer. ErrSizeWorkerBusy on
// timeout.
func (a *Alias) RequestRecalculateSize(ctx context.Context, timeout time.Duration) (int64, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	resp := make(chan sizeResponse, 1)
	select {
	case sizeRequests <- sizeRequest{a, resp}:
	case <-t.C:
		return 0, ErrSizeWorkerBusy
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Size, r.Err
	case <-t.C:
		return 0, ErrSizeWorkerBusy
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
