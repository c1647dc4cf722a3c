package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// TripArchive is a cached monthly trip archive as downloaded.
type TripArchive struct {
	ID          int64
	Month       string // YYYYMM
	URL         string
	FetchedAt   time.Time
	Archive     []byte
	ArchiveHash string
	SizeBytes   int64
}

// StoreArchive caches the raw archive bytes for a month, replacing any
// previous download of the same month.
func (s *Store) StoreArchive(ctx context.Context, month, url string, data []byte) error {
	hash := sha256.Sum256(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trip_archives (month, url, fetched_at, archive, archive_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(month) DO UPDATE SET
			url = excluded.url,
			fetched_at = excluded.fetched_at,
			archive = excluded.archive,
			archive_hash = excluded.archive_hash,
			size_bytes = excluded.size_bytes
	`, month, url, time.Now().UTC(), data, hex.EncodeToString(hash[:]), len(data))
	if err != nil {
		return fmt.Errorf("store archive %s: %w", month, err)
	}
	return nil
}

// GetArchive returns the cached archive for a month, or nil if not cached.
func (s *Store) GetArchive(ctx context.Context, month string) (*TripArchive, error) {
	var a TripArchive
	err := s.db.QueryRowContext(ctx, `
		SELECT id, month, url, fetched_at, archive, archive_hash, size_bytes
		FROM trip_archives WHERE month = ?
	`, month).Scan(&a.ID, &a.Month, &a.URL, &a.FetchedAt, &a.Archive, &a.ArchiveHash, &a.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ArchiveStats contains storage statistics for cached archives.
type ArchiveStats struct {
	TotalCount     int
	TotalSizeBytes int64
	OldestMonth    string
	NewestMonth    string
}

func (s *Store) GetArchiveStats(ctx context.Context) (*ArchiveStats, error) {
	var stats ArchiveStats
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(month), MAX(month)
		FROM trip_archives
	`).Scan(&stats.TotalCount, &stats.TotalSizeBytes, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	stats.OldestMonth = oldest.String
	stats.NewestMonth = newest.String
	return &stats, nil
}

// CleanupOldArchives deletes archives fetched more than retentionDays ago.
// Returns the number of deleted records.
func (s *Store) CleanupOldArchives(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx, `DELETE FROM trip_archives WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
