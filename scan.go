package vault

import (
	"context"
	"sync/atomic"
	"time"
)

const defaultScanPageSize = 64

type scanState int32

const (
	scanCreated scanState = iota
	scanInUse
	scanClosed
)

var scanRegistry = newRegistry[Scan]()

// Scan is a forward-only stream of decrypted entries (spec.md section
// 4.F). Its state machine is Created -> borrow -> InUse -> release ->
// Created -> remove -> Closed; a borrow on an already-InUse scan fails
// with Busy, matching the single-reader discipline the reference
// implementation enforces per scan handle.
type Scan struct {
	h        handle
	codec    *recordCodec
	backend  BackendScan
	pageSize int

	state atomic.Int32

	buf       []EncryptedRow
	bufPos    int
	exhausted bool
}

// ScanStart opens a scan over category in profile (the store's default
// profile if ""), matching the optional JSON tag filter. offset skips
// that many matching rows; limit caps the total yielded (negative
// means unbounded). The scan starts in the Created state; call Borrow
// before Next.
func (s *Store) ScanStart(ctx context.Context, profile, category string, tagFilterJSON []byte, offset, limit int64) (*Scan, error) {
	profileID, storeKey, err := s.resolveProfile(ctx, profile)
	if err != nil {
		return nil, err
	}
	codec := newRecordCodec(storeKey)

	encCategory, err := codec.EncryptCategoryLookup(category)
	if err != nil {
		return nil, err
	}
	frag, err := compileTagFilter(codec, tagFilterJSON)
	if err != nil {
		return nil, err
	}

	backendScan, err := s.backend.Scan(ctx, profileID, encCategory, frag, offset, limit)
	if err != nil {
		return nil, err
	}

	sc := &Scan{codec: codec, backend: backendScan, pageSize: defaultScanPageSize}
	sc.h = scanRegistry.create(sc)
	return sc, nil
}

// Borrow transitions Created -> InUse, failing with Busy if the scan
// is already checked out.
func (sc *Scan) Borrow(ctx context.Context) error {
	if !sc.state.CompareAndSwap(int32(scanCreated), int32(scanInUse)) {
		emitScanBorrow(ctx, uint64(sc.h), ErrScanBusy)
		return ErrScanBusy
	}
	emitScanBorrow(ctx, uint64(sc.h), nil)
	return nil
}

// Release transitions InUse -> Created, making the scan borrowable
// again.
func (sc *Scan) Release(ctx context.Context) {
	sc.state.CompareAndSwap(int32(scanInUse), int32(scanCreated))
	emitScanRelease(ctx, uint64(sc.h))
}

// Next returns the next decrypted entry, or ok=false once the scan is
// exhausted. The caller must hold the borrow (have called Borrow and
// not yet Release); Next does not itself enforce that, matching the
// reference semantics where only concurrent borrow attempts are
// policed, not single-threaded misuse.
func (sc *Scan) Next(ctx context.Context) (Entry, bool, error) {
	for sc.bufPos >= len(sc.buf) {
		if sc.exhausted {
			return Entry{}, false, nil
		}
		page, err := sc.backend.Next(ctx, sc.pageSize)
		if err != nil {
			return Entry{}, false, err
		}
		if len(page) == 0 {
			sc.exhausted = true
			return Entry{}, false, nil
		}
		sc.buf = page
		sc.bufPos = 0
	}

	row := sc.buf[sc.bufPos]
	sc.bufPos++
	e, err := sc.codec.DecryptEntry(row)
	if err != nil {
		return Entry{}, false, err
	}
	if e.ExpiryMs != nil && *e.ExpiryMs <= nowMs() {
		return sc.Next(ctx)
	}
	return e, true, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Remove closes the scan and removes it from the registry. It fails
// with Busy if the scan is currently InUse.
func (sc *Scan) Remove(ctx context.Context) error {
	if !sc.state.CompareAndSwap(int32(scanCreated), int32(scanClosed)) {
		if scanState(sc.state.Load()) == scanClosed {
			return nil
		}
		return ErrScanBusy
	}
	scanRegistry.remove(sc.h)
	return sc.backend.Close(ctx)
}
