package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// ArchivingSink tees dead letters into a content-addressed blob store
// before forwarding them to an inner sink. Archival is best-effort: a
// blob write failure is logged, and the letter still reaches the inner
// sink so no failed delivery is lost to an archive outage.
type ArchivingSink struct {
	blobs  BlobStore
	inner  eventbus.DeadLetterSink
	logger *slog.Logger
}

// NewArchivingSink wraps inner with blob archival. inner may be nil, in
// which case the archive is the only destination.
func NewArchivingSink(blobs BlobStore, inner eventbus.DeadLetterSink, logger *slog.Logger) *ArchivingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchivingSink{
		blobs:  blobs,
		inner:  inner,
		logger: logger.With("component", "archive.sink"),
	}
}

// Write implements eventbus.DeadLetterSink.
func (s *ArchivingSink) Write(ctx context.Context, letter eventbus.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		// A letter that cannot be serialized can still be forwarded.
		s.logger.Error("dead letter marshal failed", "subscription_id", letter.SubscriptionID, "error", err)
	} else if digest, perr := s.blobs.Put(ctx, data); perr != nil {
		s.logger.Error("dead letter archive failed", "subscription_id", letter.SubscriptionID, "error", perr)
	} else {
		s.logger.Debug("dead letter archived", "subscription_id", letter.SubscriptionID, "digest", digest)
	}

	if s.inner == nil {
		return nil
	}
	return s.inner.Write(ctx, letter)
}

// ArchiveJSON marshals v and stores it, returning the blob digest. Used
// for run snapshots and other structured kernel artifacts.
func ArchiveJSON(ctx context.Context, blobs BlobStore, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal archive payload: %w", err)
	}
	digest, err := blobs.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store archive payload: %w", err)
	}
	return digest, nil
}
