// Package crawler drives the acquisition loop: discover candidates per
// source, resolve and fetch the downloadable ones, classify the
// payloads, and catalog the results.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coff33ninja/vrm-auto-scraper/index"
	"github.com/coff33ninja/vrm-auto-scraper/internal/classify"
	"github.com/coff33ninja/vrm-auto-scraper/internal/database"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"
	"github.com/coff33ninja/vrm-auto-scraper/internal/sources"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// Options controls one crawl run.
type Options struct {
	Keywords     []string
	MaxPerSource int

	// ResetCursor restarts discovery from the beginning instead of
	// resuming from the persisted cursor.
	ResetCursor bool
}

// Summary is the per-source outcome of a run.
type Summary struct {
	Source          string
	Acquired        int
	Duplicates      int
	NotDownloadable int
	Failed          int

	// Fatal marks a source whose authentication failed; the run
	// continued with the remaining sources.
	Fatal  bool
	Errors []string
}

// Progress receives per-source status lines during a run. Optional.
type Progress interface {
	Update(source, status string)
}

// Crawler wires the sources to the catalog.
type Crawler struct {
	sources    []sources.Source
	store      *database.Store
	classifier *classify.Classifier
	limiter    *ratelimit.Registry
	idx        bleve.Index
	progress   Progress
}

// New builds a Crawler. idx and progress may be nil.
func New(srcs []sources.Source, store *database.Store, classifier *classify.Classifier, limiter *ratelimit.Registry, idx bleve.Index, progress Progress) *Crawler {
	return &Crawler{
		sources:    srcs,
		store:      store,
		classifier: classifier,
		limiter:    limiter,
		idx:        idx,
		progress:   progress,
	}
}

// Run crawls every source once, up to opts.MaxPerSource acquisitions
// each. A source whose authentication fails is marked Fatal and
// skipped; the other sources still run. The only error Run itself
// returns is context cancellation.
func (c *Crawler) Run(ctx context.Context, opts Options) ([]Summary, error) {
	summaries := make([]Summary, 0, len(c.sources))
	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		summaries = append(summaries, c.runSource(ctx, src, opts))
	}
	return summaries, nil
}

// Watch runs batches of batchSize per source forever, sleeping interval
// between rounds, until ctx is canceled.
func (c *Crawler) Watch(ctx context.Context, batchSize int, interval time.Duration, opts Options) error {
	opts.MaxPerSource = batchSize
	for {
		summaries, err := c.Run(ctx, opts)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			batchLog := log.WithFields(log.Fields{
				"source":           s.Source,
				"acquired":         s.Acquired,
				"duplicates":       s.Duplicates,
				"not_downloadable": s.NotDownloadable,
				"failed":           s.Failed,
			})
			if s.Fatal {
				batchLog.Warn("Batch skipped, source authentication failed")
				continue
			}
			batchLog.Info("Batch complete")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Crawler) runSource(ctx context.Context, src sources.Source, opts Options) Summary {
	summary := Summary{Source: src.Name()}
	srcLog := log.WithField("source", src.Name())

	c.update(src.Name(), "authenticating")
	if err := src.Authenticate(ctx); err != nil {
		srcLog.WithError(err).Error("Authentication failed, skipping source for this run")
		summary.Fatal = true
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}

	cursor := ""
	if !opts.ResetCursor {
		saved, err := c.store.GetCursor(src.Name())
		if err != nil {
			srcLog.WithError(err).Warn("Could not read saved cursor, starting from the beginning")
		} else {
			cursor = saved
		}
	}

	for summary.Acquired < opts.MaxPerSource {
		if err := ctx.Err(); err != nil {
			return summary
		}

		remaining := opts.MaxPerSource - summary.Acquired
		c.update(src.Name(), fmt.Sprintf("discovering (%d/%d)", summary.Acquired, opts.MaxPerSource))

		cands, next, err := src.Discover(ctx, opts.Keywords, remaining, cursor)
		if err != nil {
			if errors.Is(err, sources.ErrAuth) {
				srcLog.WithError(err).Error("Authentication rejected mid-run, aborting source")
				summary.Fatal = true
			} else {
				srcLog.WithError(err).Error("Discovery failed, aborting source for this run")
			}
			summary.Errors = append(summary.Errors, err.Error())
			return summary
		}

		for _, cand := range cands {
			if err := ctx.Err(); err != nil {
				return summary
			}
			if summary.Acquired >= opts.MaxPerSource {
				break
			}
			c.acquire(ctx, src, cand, &summary)
			if summary.Fatal {
				return summary
			}
		}

		if err := c.store.SetCursor(src.Name(), next); err != nil {
			srcLog.WithError(err).Warn("Could not persist crawl cursor")
		}
		cursor = next

		// Remote catalog exhausted.
		if next == "" && len(cands) == 0 {
			srcLog.Debug("No further candidates available")
			break
		}
		if next == "" {
			break
		}
	}

	c.update(src.Name(), fmt.Sprintf("done: %d acquired, %d duplicates, %d failed", summary.Acquired, summary.Duplicates, summary.Failed))
	return summary
}

// acquire runs one candidate through resolve, fetch, classify, and
// catalog, maintaining the summary counters.
func (c *Crawler) acquire(ctx context.Context, src sources.Source, cand models.Candidate, summary *Summary) {
	srcLog := log.WithFields(log.Fields{"source": src.Name(), "id": cand.SourceModelID})

	if c.store.Exists(src.Name(), cand.SourceModelID) {
		srcLog.Debug("Already cataloged, skipping")
		summary.Duplicates++
		return
	}
	if !cand.Downloadable {
		srcLog.Debug("Not marked downloadable, skipping")
		summary.NotDownloadable++
		return
	}

	c.update(src.Name(), "resolving "+cand.Name)
	var resolved models.ResolvedDownload
	err := c.withRetry(ctx, src.Name(), func() error {
		var err error
		resolved, err = src.ResolveDownload(ctx, cand)
		return err
	})
	if err != nil {
		c.recordFailure(srcLog, summary, cand, "resolve", err)
		return
	}

	c.update(src.Name(), "downloading "+cand.Name)
	var payload []byte
	err = c.withRetry(ctx, src.Name(), func() error {
		var err error
		payload, _, err = src.FetchBytes(ctx, resolved.URL)
		return err
	})
	if err != nil {
		c.recordFailure(srcLog, summary, cand, "fetch", err)
		return
	}

	hint := resolved.Format
	if hint == "" {
		hint = cand.FormatHint
	}
	result, err := c.classifier.Process(src.Name(), cand.SourceModelID, payload, hint)
	if err != nil {
		srcLog.WithError(err).Error("Classification failed")
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: classify: %v", cand.SourceModelID, err))
		return
	}

	thumbnailPath := ""
	if cand.ThumbnailURL != "" {
		// Best effort: a missing preview never fails the candidate.
		if thumb, _, err := src.FetchBytes(ctx, cand.ThumbnailURL); err != nil {
			srcLog.WithError(err).Debug("Could not fetch thumbnail")
		} else if path, err := c.classifier.SaveThumbnail(src.Name(), cand.SourceModelID, cand.ThumbnailURL, thumb); err != nil {
			srcLog.WithError(err).Debug("Could not save thumbnail")
		} else {
			thumbnailPath = path
		}
	}

	record := models.ModelRecord{
		Source:         src.Name(),
		SourceModelID:  cand.SourceModelID,
		Name:           cand.Name,
		Artist:         cand.Artist,
		SourceURL:      cand.SourceURL,
		LicenseType:    cand.LicenseType,
		LicenseURL:     cand.LicenseURL,
		AcquiredAt:     time.Now().UTC(),
		FilePath:       result.Primary.Path,
		FileType:       result.Primary.FileType,
		OriginalFormat: result.OriginalFormat,
		SizeBytes:      result.Primary.SizeBytes,
		ContentHash:    result.Primary.ContentHash,
		ThumbnailPath:  thumbnailPath,
		Notes:          result.Notes,
	}

	if err := c.store.Insert(record); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			// Lost a race with another writer; the file on disk is
			// harmless.
			summary.Duplicates++
			return
		}
		srcLog.WithError(err).Error("Catalog insert failed")
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: insert: %v", cand.SourceModelID, err))
		return
	}
	c.indexRecord(record)
	summary.Acquired++
	srcLog.WithField("file", record.FilePath).Info("Acquired")

	// Additional avatars extracted from the same archive get their own
	// records, suffixed so they dedup independently.
	for i, extra := range result.Extras {
		extraRecord := record
		extraRecord.SourceModelID = fmt.Sprintf("%s_extra_%d", cand.SourceModelID, i+1)
		extraRecord.FilePath = extra.Path
		extraRecord.FileType = extra.FileType
		extraRecord.SizeBytes = extra.SizeBytes
		extraRecord.ContentHash = extra.ContentHash
		extraRecord.Notes = []string{fmt.Sprintf("additional avatar extracted alongside %s", cand.SourceModelID)}
		if err := c.store.Insert(extraRecord); err != nil && !errors.Is(err, database.ErrDuplicateKey) {
			srcLog.WithError(err).Warnf("Could not catalog extra file %s", extra.Path)
			continue
		}
		c.indexRecord(extraRecord)
	}
}

// withRetry runs fn, retrying exactly once after the source's
// configured interval when the failure is retryable. ErrAuth and
// ErrNotDownloadable are never retried.
func (c *Crawler) withRetry(ctx context.Context, source string, fn func() error) error {
	err := fn()
	if err == nil || !isRetryable(err) {
		return err
	}

	backoff := c.limiter.Interval(source)
	log.WithField("source", source).WithError(err).Warnf("Retrying once in %s", backoff)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}
	return fn()
}

func isRetryable(err error) bool {
	return errors.Is(err, sources.ErrRateLimited) || errors.Is(err, sources.ErrFetch)
}

func (c *Crawler) recordFailure(srcLog *log.Entry, summary *Summary, cand models.Candidate, stage string, err error) {
	switch {
	case errors.Is(err, sources.ErrNotDownloadable):
		srcLog.Debugf("Not downloadable at %s stage", stage)
		summary.NotDownloadable++
	case errors.Is(err, sources.ErrAuth):
		srcLog.WithError(err).Errorf("Authentication rejected during %s", stage)
		summary.Fatal = true
		summary.Errors = append(summary.Errors, err.Error())
	default:
		srcLog.WithError(err).Errorf("Candidate failed at %s stage", stage)
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s: %v", cand.SourceModelID, stage, err))
	}
}

func (c *Crawler) indexRecord(record models.ModelRecord) {
	if c.idx == nil {
		return
	}
	if err := index.IndexRecord(c.idx, record); err != nil {
		log.WithError(err).Warnf("Could not index record %s", record.Key())
	}
}

func (c *Crawler) update(source, status string) {
	if c.progress != nil {
		c.progress.Update(source, status)
	}
}
