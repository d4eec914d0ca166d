package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

type failingBlobStore struct{}

func (failingBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	return "", errors.New("archive unavailable")
}
func (failingBlobStore) Fetch(ctx context.Context, digest string) ([]byte, error) {
	return nil, errors.New("archive unavailable")
}
func (failingBlobStore) Exists(ctx context.Context, digest string) (bool, error) {
	return false, errors.New("archive unavailable")
}
func (failingBlobStore) Remove(ctx context.Context, digest string) error {
	return errors.New("archive unavailable")
}

func sampleLetter(t *testing.T) eventbus.DeadLetter {
	t.Helper()
	evt, err := eventbus.NewEvent(eventbus.EventCascadeInsight, "analysis.scanner", map[string]interface{}{
		"finding": "drift",
	})
	require.NoError(t, err)
	return eventbus.DeadLetter{
		Event:          evt,
		SubscriptionID: "sub-1",
		Module:         "settlement.ledger",
		Attempts:       3,
		LastError:      "handler timeout",
		FailedAt:       time.Now().UTC(),
	}
}

func TestArchivingSinkStoresAndForwards(t *testing.T) {
	blobs := NewMemoryBlobStore()
	inner := eventbus.NewMemoryDeadLetterSink(10)
	sink := NewArchivingSink(blobs, inner, nil)

	letter := sampleLetter(t)
	require.NoError(t, sink.Write(context.Background(), letter))

	digests := blobs.Digests()
	require.Len(t, digests, 1)

	data, err := blobs.Fetch(context.Background(), digests[0])
	require.NoError(t, err)
	var archived eventbus.DeadLetter
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.Equal(t, "sub-1", archived.SubscriptionID)
	assert.Equal(t, letter.Event.ID, archived.Event.ID)

	require.Len(t, inner.List(), 1)
}

func TestArchivingSinkToleratesBlobFailure(t *testing.T) {
	inner := eventbus.NewMemoryDeadLetterSink(10)
	sink := NewArchivingSink(failingBlobStore{}, inner, nil)

	require.NoError(t, sink.Write(context.Background(), sampleLetter(t)))
	assert.Len(t, inner.List(), 1, "letter must reach the inner sink despite archive outage")
}

func TestArchivingSinkWithoutInner(t *testing.T) {
	blobs := NewMemoryBlobStore()
	sink := NewArchivingSink(blobs, nil, nil)

	require.NoError(t, sink.Write(context.Background(), sampleLetter(t)))
	assert.Len(t, blobs.Digests(), 1)
}

func TestArchiveJSON(t *testing.T) {
	blobs := NewMemoryBlobStore()
	snapshot := map[string]any{"run_id": "run-9", "status": "SETTLED"}

	digest, err := ArchiveJSON(context.Background(), blobs, snapshot)
	require.NoError(t, err)

	data, err := blobs.Fetch(context.Background(), digest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-9", got["run_id"])
}
