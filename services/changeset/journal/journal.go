// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal provides the append-only audit trail for ChangeSet
// status transitions, backed by BadgerDB.
//
// The journal is a write-ahead log: the lifecycle engine appends the
// audit entry for a transition and only then commits the transition, so
// a crash between document mutation and status commit is observable as
// a replayable inconsistency rather than a silent gap. Entries are never
// modified or deleted.
//
// Key format: "audit:{seq_num:016d}"
// Value format: [4-byte CRC32][gob-encoded entry]
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// -----------------------------------------------------------------------------
// Journal Errors
// -----------------------------------------------------------------------------

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when an entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrSequenceGap is returned when replay detects missing sequence numbers.
	ErrSequenceGap = errors.New("journal sequence number gap detected")

	// ErrNilEntry is returned when attempting to append an entry with no
	// ChangeSet identity.
	ErrNilEntry = errors.New("entry must carry a changeset id")
)

// -----------------------------------------------------------------------------
// Entry
// -----------------------------------------------------------------------------

// Entry is one immutable audit record: a single status transition of one
// ChangeSet. FromStatus is empty for the creation entry.
type Entry struct {
	// Seq is the global sequence number, assigned by the journal on
	// append. Zero until appended.
	Seq uint64 `json:"seq"`

	// ChangeSetID identifies the ChangeSet that transitioned.
	ChangeSetID string `json:"changeset_id"`

	// Timestamp is when the transition was committed, UTC.
	Timestamp time.Time `json:"timestamp"`

	// Actor is who drove the transition ("system" or a user identity).
	Actor string `json:"actor"`

	// FromStatus is the status before the transition ("" at creation).
	FromStatus string `json:"from_status,omitempty"`

	// ToStatus is the status after the transition.
	ToStatus string `json:"to_status"`

	// Reason is an optional caller-supplied reason (rejections).
	Reason string `json:"reason,omitempty"`

	// Error records the failure that drove the transition, when there
	// was one. A restore failure during recovery is recorded here with
	// an explicit "unresolved restore:" prefix so operators can find
	// documents left in an intermediate state.
	Error string `json:"error,omitempty"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures journal behavior.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent mode.
	Path string

	// SyncWrites enables synchronous writes for durability.
	// MUST be true for write-ahead correctness. Default: true.
	SyncWrites bool

	// InMemory uses in-memory BadgerDB (for testing).
	// Default: false.
	InMemory bool

	// SkipCorrupted continues replay past corrupted entries instead of
	// failing fast. Skipped entries are logged and counted.
	// Default: false.
	SkipCorrupted bool

	// GCDiscardRatio is the minimum ratio of discardable value-log data
	// before RunGC rewrites it. Default: 0.5.
	GCDiscardRatio float64

	// Logger for journal operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true, // WAL requires sync writes
		SkipCorrupted:  false,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: in-memory store, no
// sync overhead.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		SyncWrites:     false,
		GCDiscardRatio: 0.5,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent journal")
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return errors.New("gc_discard_ratio must be between 0 and 1")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Stats contains journal metrics.
type Stats struct {
	// TotalEntries is the count of entries in the journal.
	TotalEntries int64

	// TotalBytes is the approximate size of appended data.
	TotalBytes int64

	// LastSeq is the most recent sequence number.
	LastSeq uint64

	// CorruptedCount is the number of corrupted entries encountered.
	CorruptedCount int64
}

// Journal is the append-only audit log.
//
// Description:
//
//	Appends entries synchronously to BadgerDB with CRC32 checksums and a
//	monotonically increasing global sequence number. Replay returns every
//	entry in commit order; Query returns the ordered history of a single
//	ChangeSet.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	seqNum         atomic.Uint64
	totalEntries   atomic.Int64
	totalBytes     atomic.Int64
	corruptedCount atomic.Int64
	closed         atomic.Bool
}

const keyPrefix = "audit:"

// Open creates a journal with the given configuration.
//
// Inputs:
//
//	config - Journal configuration. Must pass Validate().
//
// Outputs:
//
//	*Journal - Ready-to-use journal.
//	error - Non-nil if BadgerDB initialization fails.
func Open(config Config) (*Journal, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(nil) // Badger's own logging is too chatty for a WAL

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	j := &Journal{
		db:     db,
		config: config,
		logger: config.Logger.With(slog.String("component", "journal")),
	}

	if err := j.initSeqNum(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	j.logger.Info("journal opened",
		slog.String("path", config.Path),
		slog.Bool("sync_writes", config.SyncWrites),
		slog.Uint64("last_seq", j.seqNum.Load()))

	return j, nil
}

// initSeqNum scans for the highest existing sequence number, so appends
// after reopen continue the sequence instead of restarting it.
func (j *Journal) initSeqNum() error {
	var maxSeq uint64
	var count int64

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			seq, err := parseSeq(key)
			if err != nil {
				continue
			}
			if seq > maxSeq {
				maxSeq = seq
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.seqNum.Store(maxSeq)
	j.totalEntries.Store(count)
	return nil
}

// entryKey generates the key for a sequence number.
func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", keyPrefix, seq))
}

// parseSeq extracts the sequence number from a key.
func parseSeq(key []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(keyPrefix):]), "%016d", &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// encodeEntry encodes an entry with a CRC32 checksum prefix.
func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	result := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], buf.Bytes())
	return result, nil
}

// decodeEntry decodes an entry and validates its checksum.
func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 5 { // 4-byte CRC + at least 1 byte data
		return Entry{}, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if computed := crc32.ChecksumIEEE(gobData); storedCRC != computed {
		return Entry{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, storedCRC, computed)
	}

	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(gobData)).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("gob decode: %w", err)
	}
	return e, nil
}

// Append durably writes one entry and returns it with its assigned
// sequence number.
//
// Description:
//
//	Assigns the next global sequence number, frames the entry with a
//	CRC32 checksum, and commits it in a synchronous Badger transaction.
//	The entry is durable when Append returns nil; callers may then
//	commit the transition the entry describes.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	entry - The transition record. ChangeSetID must be set.
//
// Outputs:
//
//	Entry - The stored entry including Seq.
//	error - Non-nil if the write fails; this is the signal for the
//	caller to NOT commit the transition.
func (j *Journal) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ChangeSetID == "" {
		return Entry{}, ErrNilEntry
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if j.closed.Load() {
		return Entry{}, ErrJournalClosed
	}

	_, span := otel.Tracer("changeset").Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("changeset_id", entry.ChangeSetID),
			attribute.String("to_status", entry.ToStatus),
		),
	)
	defer span.End()

	entry.Seq = j.seqNum.Add(1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := encodeEntry(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.Seq), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return Entry{}, fmt.Errorf("write entry: %w", err)
	}

	j.totalEntries.Add(1)
	j.totalBytes.Add(int64(len(data)))

	span.SetAttributes(attribute.Int64("seq", int64(entry.Seq)))
	j.logger.Debug("audit entry appended",
		slog.Uint64("seq", entry.Seq),
		slog.String("changeset_id", entry.ChangeSetID),
		slog.String("from", entry.FromStatus),
		slog.String("to", entry.ToStatus))

	return entry, nil
}

// Replay returns every entry in sequence order.
//
// Description:
//
//	Iterates the full log, validating checksums and sequence continuity.
//	The result is sufficient to reconstruct the status of every
//	ChangeSet independently of the live session store.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//
// Outputs:
//
//	[]Entry - All entries in commit order. Empty if the log is empty.
//	error - Non-nil on read failure, corruption (unless SkipCorrupted),
//	or a sequence gap.
func (j *Journal) Replay(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	ctx, span := otel.Tracer("changeset").Start(ctx, "journal.Replay")
	defer span.End()

	var entries []Entry
	var lastSeq uint64
	corrupted := 0

	prefix := []byte(keyPrefix)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			seq, err := parseSeq(item.Key())
			if err != nil {
				continue // Skip malformed keys
			}

			if lastSeq > 0 && seq != lastSeq+1 {
				if !j.config.SkipCorrupted {
					return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, seq)
				}
				j.logger.Warn("sequence gap detected",
					slog.Uint64("expected", lastSeq+1),
					slog.Uint64("got", seq))
			}
			lastSeq = seq

			err = item.Value(func(val []byte) error {
				entry, err := decodeEntry(val)
				if err != nil {
					if errors.Is(err, ErrJournalCorrupted) {
						corrupted++
						j.corruptedCount.Add(1)
						if j.config.SkipCorrupted {
							j.logger.Warn("skipping corrupted entry",
								slog.Uint64("seq", seq),
								slog.String("error", err.Error()))
							return nil
						}
					}
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay: %w", err)
	}

	span.SetAttributes(
		attribute.Int("entry_count", len(entries)),
		attribute.Int("corrupted_count", corrupted),
	)
	return entries, nil
}

// Query returns the ordered transition history of one ChangeSet.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	changesetID - The ChangeSet to reconstruct.
//
// Outputs:
//
//	[]Entry - The ChangeSet's entries in commit order. Empty (not an
//	error) for an unknown id.
//	error - Non-nil on read failure or corruption.
func (j *Journal) Query(ctx context.Context, changesetID string) ([]Entry, error) {
	all, err := j.Replay(ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, e := range all {
		if e.ChangeSetID == changesetID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].Seq < entries[k].Seq })
	return entries, nil
}

// RunGC triggers one value-log garbage collection pass. Returns nil if
// GC ran or there was nothing to collect.
func (j *Journal) RunGC() error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	if j.config.InMemory {
		return nil
	}
	err := j.db.RunValueLogGC(j.config.GCDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("journal gc: %w", err)
	}
	return nil
}

// Sync flushes pending writes to disk. No-op for in-memory journals.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	if j.config.InMemory {
		return nil
	}
	return j.db.Sync()
}

// Stats returns journal metrics.
func (j *Journal) Stats() Stats {
	return Stats{
		TotalEntries:   j.totalEntries.Load(),
		TotalBytes:     j.totalBytes.Load(),
		LastSeq:        j.seqNum.Load(),
		CorruptedCount: j.corruptedCount.Load(),
	}
}

// Close syncs and releases the underlying database. Subsequent
// operations return ErrJournalClosed.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}
