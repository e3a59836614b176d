package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"

	log "github.com/sirupsen/logrus"
)

// ErrDuplicateKey is returned by Insert when a record for the same
// (source, source model id) pair already exists.
var ErrDuplicateKey = errors.New("record already cataloged")

const (
	recordKeyPrefix = "model_"
	cursorKeyPrefix = "cursor_"
)

// Store is the model catalog over the key-value layer. Records live
// under "model_<source>_<id>" keys, crawl cursors under
// "cursor_<source>".
type Store struct {
	db *DB
}

// OpenStore opens (or creates) the catalog at path.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exists reports whether a record for (source, sourceModelID) is
// already cataloged.
func (s *Store) Exists(source, sourceModelID string) bool {
	return s.db.Has([]byte(models.RecordKey(source, sourceModelID)))
}

// Insert catalogs a new record. The (source, source model id) pair is
// unique; inserting an existing pair fails with ErrDuplicateKey and
// leaves the stored record untouched.
func (s *Store) Insert(record models.ModelRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshalling record %s: %w", record.Key(), err)
	}
	if err := s.db.PutIfAbsent([]byte(record.Key()), raw); err != nil {
		if errors.Is(err, ErrKeyExists) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateKey, record.Source, record.SourceModelID)
		}
		return err
	}
	log.WithFields(log.Fields{"source": record.Source, "id": record.SourceModelID}).Debug("Record cataloged")
	return nil
}

// Get retrieves one record, or ErrNotFound.
func (s *Store) Get(source, sourceModelID string) (models.ModelRecord, error) {
	raw, err := s.db.Get([]byte(models.RecordKey(source, sourceModelID)))
	if err != nil {
		return models.ModelRecord{}, err
	}
	var record models.ModelRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.ModelRecord{}, fmt.Errorf("parsing record %s/%s: %w", source, sourceModelID, err)
	}
	return record, nil
}

// Query returns cataloged records newest-first by acquisition time.
// source narrows to one source when non-empty; limit <= 0 means no
// limit.
func (s *Store) Query(source string, limit int) ([]models.ModelRecord, error) {
	var records []models.ModelRecord
	err := s.db.Fold(func(key, value []byte) error {
		if !strings.HasPrefix(string(key), recordKeyPrefix) {
			return nil
		}
		var record models.ModelRecord
		if err := json.Unmarshal(value, &record); err != nil {
			log.WithError(err).Warnf("Skipping unparseable record %s", string(key))
			return nil
		}
		if source != "" && record.Source != source {
			return nil
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning catalog: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].AcquiredAt.After(records[j].AcquiredAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Export returns every record in the catalog, newest-first.
func (s *Store) Export() ([]models.ModelRecord, error) {
	return s.Query("", 0)
}

// Import merges records into the catalog. Records whose (source, id)
// pair is already present are left untouched; the count of newly
// inserted records is returned.
func (s *Store) Import(records []models.ModelRecord) (int, error) {
	inserted := 0
	for _, record := range records {
		if record.Source == "" || record.SourceModelID == "" {
			log.Warnf("Skipping import of record with empty identity (name %q)", record.Name)
			continue
		}
		if err := s.Insert(record); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				continue
			}
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// GetCursor returns the persisted crawl cursor for source, "" when the
// source has never been crawled.
func (s *Store) GetCursor(source string) (string, error) {
	raw, err := s.db.Get([]byte(cursorKeyPrefix + source))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

// SetCursor persists the crawl cursor for source. An empty cursor is
// stored as-is, marking the remote catalog exhausted so the next run
// starts over.
func (s *Store) SetCursor(source, cursor string) error {
	return s.db.Put([]byte(cursorKeyPrefix+source), []byte(cursor))
}

// Stats summarizes the catalog per source.
type Stats struct {
	Total      int
	BySource   map[string]int
	ByFileType map[string]int
	TotalBytes int64
}

// Stats walks the catalog and aggregates per-source and per-type
// counts.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{
		BySource:   make(map[string]int),
		ByFileType: make(map[string]int),
	}
	records, err := s.Export()
	if err != nil {
		return stats, err
	}
	for _, record := range records {
		stats.Total++
		stats.BySource[record.Source]++
		stats.ByFileType[record.FileType]++
		stats.TotalBytes += record.SizeBytes
	}
	return stats, nil
}
