// Package index maintains a Bleve full-text index over the catalog so
// acquired avatars can be searched by name, artist, or license without
// scanning the store.
package index

import (
	"os"
	"time"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "catalog.bleve"

// Entry is the indexed projection of a catalog record. All fields are
// searchable by their lowercase JSON tag names (e.g. '+artist:miko' or
// '+licenseType:cc0').
type Entry struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	SourceModelID  string    `json:"sourceModelId"`
	Name           string    `json:"name"`
	Artist         string    `json:"artist,omitempty"`
	SourceURL      string    `json:"sourceUrl"`
	LicenseType    string    `json:"licenseType,omitempty"`
	FilePath       string    `json:"filePath"`
	FileType       string    `json:"fileType"`
	OriginalFormat string    `json:"originalFormat,omitempty"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	SizeBytes      float64   `json:"sizeBytes"`
	Notes          []string  `json:"notes,omitempty"`
}

// FromRecord projects a catalog record into its index entry.
func FromRecord(r models.ModelRecord) Entry {
	return Entry{
		ID:             r.Key(),
		Source:         r.Source,
		SourceModelID:  r.SourceModelID,
		Name:           r.Name,
		Artist:         r.Artist,
		SourceURL:      r.SourceURL,
		LicenseType:    r.LicenseType,
		FilePath:       r.FilePath,
		FileType:       r.FileType,
		OriginalFormat: r.OriginalFormat,
		AcquiredAt:     r.AcquiredAt,
		SizeBytes:      float64(r.SizeBytes),
		Notes:          r.Notes,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one
// if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Debugf("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return idx, nil
}

// IndexRecord adds or updates a catalog record in the index.
func IndexRecord(idx bleve.Index, record models.ModelRecord) error {
	entry := FromRecord(record)
	return idx.Index(entry.ID, entry)
}

// SearchIndex runs a query-string query and returns all stored fields.
func SearchIndex(idx bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"}
	return idx.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
