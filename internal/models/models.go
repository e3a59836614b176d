package models

import (
	"time"
)

// Source identifiers. These are the only values ever written into
// ModelRecord.Source.
const (
	SourceVRoidHub   = "vroid"
	SourceDeviantArt = "deviantart"
	SourceSketchfab  = "sketchfab"
	SourceGitHub     = "github"
)

type (
	Config struct {
		// Paths
		DataRoot       string `toml:"DataRoot"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Crawl behavior
		Keywords        []string `toml:"Keywords"`
		MaxPerSource    int      `toml:"MaxPerSource"`
		BatchSize       int      `toml:"BatchSize"`
		IntervalSec     int      `toml:"IntervalSec"`
		FetchTimeoutSec int      `toml:"FetchTimeoutSec"`

		// Default minimum delay between requests to the same source.
		// Individual sources may override it.
		RequestDelayMs int `toml:"RequestDelayMs"`

		// Providers
		VRoidHub   SourceConfig `toml:"VRoidHub"`
		DeviantArt SourceConfig `toml:"DeviantArt"`
		Sketchfab  SourceConfig `toml:"Sketchfab"`
		GitHub     SourceConfig `toml:"GitHub"`
	}

	// SourceConfig configures one provider. Token is used by the
	// static-token providers; ClientID/ClientSecret by the OAuth ones.
	SourceConfig struct {
		Enabled        bool   `toml:"Enabled"`
		Token          string `toml:"Token"`
		ClientID       string `toml:"ClientID"`
		ClientSecret   string `toml:"ClientSecret"`
		RequestDelayMs int    `toml:"RequestDelayMs"`
	}

	// ModelRecord is one cataloged acquisition. The pair
	// (Source, SourceModelID) is unique across the catalog and is the
	// sole deduplication key; a record is never overwritten once
	// inserted.
	ModelRecord struct {
		Source         string    `json:"source"`
		SourceModelID  string    `json:"sourceModelId"`
		Name           string    `json:"name"`
		Artist         string    `json:"artist,omitempty"`
		SourceURL      string    `json:"sourceUrl"`
		LicenseType    string    `json:"licenseType,omitempty"`
		LicenseURL     string    `json:"licenseUrl,omitempty"`
		AcquiredAt     time.Time `json:"acquiredAt"`
		FilePath       string    `json:"filePath"`
		FileType       string    `json:"fileType"`
		OriginalFormat string    `json:"originalFormat,omitempty"`
		SizeBytes      int64     `json:"sizeBytes"`
		ContentHash    string    `json:"contentHash,omitempty"`
		ThumbnailPath  string    `json:"thumbnailPath,omitempty"`
		Notes          []string  `json:"notes,omitempty"`
	}

	// Candidate is a model summary produced by a source adapter's
	// Discover call, before any content has been fetched.
	Candidate struct {
		SourceModelID string
		Name          string
		Artist        string
		SourceURL     string
		LicenseType   string
		LicenseURL    string
		ThumbnailURL  string

		// Downloadable reflects the provider's own opt-in flag. Resolve
		// refuses candidates where this is false.
		Downloadable bool

		// DownloadHint carries whatever the provider needs to resolve
		// the concrete download URL (a direct URL, a license id, ...).
		DownloadHint string

		// FormatHint is the provider's claimed file format, if any.
		// The classifier treats it as a hint only.
		FormatHint string
	}

	// ResolvedDownload is the outcome of resolving a candidate: the
	// concrete URL to fetch and the declared primary-file format.
	ResolvedDownload struct {
		URL    string
		Format string
	}

	// CredentialState holds the OAuth credential for one source. It is
	// owned by that source's adapter and persisted back after refresh.
	CredentialState struct {
		ClientID     string    `json:"client_id"`
		ClientSecret string    `json:"client_secret"`
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		ExpiresAt    time.Time `json:"expires_at"`
	}
)

// Key returns the database key for this record.
func (r ModelRecord) Key() string {
	return "model_" + r.Source + "_" + r.SourceModelID
}

// RecordKey builds a record key without constructing a full record.
func RecordKey(source, sourceModelID string) string {
	return "model_" + source + "_" + sourceModelID
}

// Expired reports whether the access token needs a refresh. A small
// margin avoids using tokens that expire mid-request.
func (c CredentialState) Expired() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(time.Minute).After(c.ExpiresAt)
}

// Delay returns the source's inter-request delay, falling back to the
// global default when the source does not set its own.
func (s SourceConfig) Delay(defaultMs int) time.Duration {
	ms := s.RequestDelayMs
	if ms <= 0 {
		ms = defaultMs
	}
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}
