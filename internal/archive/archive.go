// Package archive persists point-in-time snapshots of refreshed row-sets to
// object storage. Snapshots are an audit trail; the engine never reads them
// back on its own.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// Common errors for archive storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStore abstracts the object storage backend holding snapshots.
// Implementations include S3 and local filesystem.
type ObjectStore interface {
	// Put writes an object, overwriting any existing one.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an object. Returns ErrObjectNotFound if it does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting an absent object is a no-op.
	Delete(ctx context.Context, objectPath string) error

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// snapshot is the archived document. Rows are stored inline; the whole
// document is snappy-compressed on the wire.
type snapshot struct {
	TableID     string     `json:"table_id"`
	Fingerprint string     `json:"fingerprint"`
	CapturedAt  time.Time  `json:"captured_at"`
	Rows        types.Rows `json:"rows"`
}

// Archiver writes one snapshot object per committed refresh and prunes old
// ones past a per-table retention count.
type Archiver struct {
	store     ObjectStore
	keepCount int
	logger    *zap.Logger
	now       func() time.Time
}

// NewArchiver creates an archiver keeping at most keepCount snapshots per
// table; zero or negative disables pruning.
func NewArchiver(store ObjectStore, keepCount int, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:     store,
		keepCount: keepCount,
		logger:    logger,
		now:       time.Now,
	}
}

// Archive writes a snapshot of the table's rows and prunes old snapshots.
func (a *Archiver) Archive(ctx context.Context, tableID string, rows types.Rows, fp string) error {
	captured := a.now()
	doc := snapshot{
		TableID:     tableID,
		Fingerprint: fp,
		CapturedAt:  captured,
		Rows:        rows,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("archive: failed to encode snapshot: %w", err)
	}

	key := snapshotKey(tableID, captured.UnixNano())
	if err := a.store.Put(ctx, key, snappy.Encode(nil, raw)); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.logger.Debug("snapshot archived",
		zap.String("table", tableID),
		zap.String("key", key))

	a.prune(ctx, tableID)
	return nil
}

// ReadSnapshot loads one archived snapshot by object path.
func (a *Archiver) ReadSnapshot(ctx context.Context, objectPath string) (types.Rows, string, error) {
	blob, err := a.store.Get(ctx, objectPath)
	if err != nil {
		return nil, "", err
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, "", fmt.Errorf("archive: corrupt snapshot %s: %w", objectPath, err)
	}
	var doc snapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("archive: corrupt snapshot %s: %w", objectPath, err)
	}
	return doc.Rows, doc.Fingerprint, nil
}

// ListSnapshots returns the snapshot object paths for a table, oldest first.
func (a *Archiver) ListSnapshots(ctx context.Context, tableID string) ([]string, error) {
	keys, err := a.store.ListObjects(ctx, "snapshots/"+tableID+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// prune removes the oldest snapshots beyond the retention count. Pruning is
// best-effort; a failure never blocks the refresh that triggered it.
func (a *Archiver) prune(ctx context.Context, tableID string) {
	if a.keepCount <= 0 {
		return
	}
	keys, err := a.ListSnapshots(ctx, tableID)
	if err != nil {
		a.logger.Warn("failed to list snapshots for pruning",
			zap.String("table", tableID), zap.Error(err))
		return
	}
	for len(keys) > a.keepCount {
		if err := a.store.Delete(ctx, keys[0]); err != nil {
			a.logger.Warn("failed to prune snapshot",
				zap.String("key", keys[0]), zap.Error(err))
			return
		}
		keys = keys[1:]
	}
}

func snapshotKey(tableID string, unixNano int64) string {
	return path.Join("snapshots", tableID, fmt.Sprintf("%020d.json.sz", unixNano))
}
