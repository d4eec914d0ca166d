package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrChainBroken is returned by VerifyChain when an entry's previous-hash
// link does not match the stored predecessor.
var ErrChainBroken = errors.New("store: audit hash chain is broken")

// genesisHash anchors the first entry of every chain.
const genesisHash = "genesis"

// AuditEntry is one immutable, hash-chained audit row. EntryHash covers the
// sequence, type, subject, payload hash and previous hash, so any rewrite of
// history breaks verification from that point on.
type AuditEntry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    string          `json:"event_type"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// PostgresAuditWriter appends hash-chained audit entries consumed from
// persist.audit events. Append-only: there is no update or delete surface.
type PostgresAuditWriter struct {
	db *sql.DB

	mu        sync.Mutex
	sequence  uint64
	chainHead string
	primed    bool
}

// NewPostgresAuditWriter wraps an open connection. The audit table is
// provisioned by migration tooling, not by the writer.
func NewPostgresAuditWriter(db *sql.DB) *PostgresAuditWriter {
	return &PostgresAuditWriter{db: db, chainHead: genesisHash}
}

// prime loads the current chain head so appends continue an existing chain
// after restart. Called lazily under the mutex.
func (w *PostgresAuditWriter) prime(ctx context.Context) error {
	if w.primed {
		return nil
	}
	row := w.db.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	err := row.Scan(&seq, &head)
	if errors.Is(err, sql.ErrNoRows) {
		w.primed = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: prime audit chain: %w", err)
	}
	w.sequence = seq
	w.chainHead = head
	w.primed = true
	return nil
}

// Append writes one chained entry and returns it.
func (w *PostgresAuditWriter) Append(ctx context.Context, eventType, subject string, payload interface{}) (*AuditEntry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("store: encode audit payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.prime(ctx); err != nil {
		return nil, err
	}

	payloadHash := sha256.Sum256(payloadBytes)
	entry := &AuditEntry{
		EntryID:      uuid.NewString(),
		Sequence:     w.sequence + 1,
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Subject:      subject,
		Payload:      payloadBytes,
		PayloadHash:  hex.EncodeToString(payloadHash[:]),
		PreviousHash: w.chainHead,
	}
	entry.EntryHash = entryHash(entry)

	query := `
	INSERT INTO audit_entries (entry_id, sequence, timestamp, event_type, subject, payload, payload_hash, previous_hash, entry_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = w.db.ExecContext(ctx, query,
		entry.EntryID, entry.Sequence, entry.Timestamp, entry.EventType, entry.Subject,
		entry.Payload, entry.PayloadHash, entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("store: append audit entry: %w", err)
	}

	w.sequence = entry.Sequence
	w.chainHead = entry.EntryHash
	return entry, nil
}

// VerifyChain walks the full chain and reports the first broken link.
func (w *PostgresAuditWriter) VerifyChain(ctx context.Context) error {
	rows, err := w.db.QueryContext(ctx, `
	SELECT entry_id, sequence, timestamp, event_type, subject, payload, payload_hash, previous_hash, entry_hash
	FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.EntryID, &e.Sequence, &e.Timestamp, &e.EventType, &e.Subject,
			&e.Payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return err
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %q, chain head was %q", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		if entryHash(&e) != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return rows.Err()
}

func entryHash(e *AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s", e.Sequence, e.EventType, e.Subject, e.PayloadHash, e.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}
