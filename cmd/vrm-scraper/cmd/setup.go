package cmd

import (
	"net/http"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coff33ninja/vrm-auto-scraper/internal/classify"
	"github.com/coff33ninja/vrm-auto-scraper/internal/creds"
	"github.com/coff33ninja/vrm-auto-scraper/internal/database"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"
	"github.com/coff33ninja/vrm-auto-scraper/internal/sources"
)

// buildLimiter configures one rate limiter per enabled source from the
// loaded config.
func buildLimiter(cfg models.Config) *ratelimit.Registry {
	limiter := ratelimit.NewRegistry(time.Duration(cfg.RequestDelayMs) * time.Millisecond)
	for name, sc := range map[string]models.SourceConfig{
		models.SourceVRoidHub:   cfg.VRoidHub,
		models.SourceDeviantArt: cfg.DeviantArt,
		models.SourceSketchfab:  cfg.Sketchfab,
		models.SourceGitHub:     cfg.GitHub,
	} {
		limiter.Configure(name, sc.Delay(cfg.RequestDelayMs))
	}
	return limiter
}

// buildSources instantiates every enabled source adapter. OAuth sources
// without a stored credential are skipped with a warning rather than
// failing the whole run.
func buildSources(cfg models.Config, limiter *ratelimit.Registry) ([]sources.Source, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSec) * time.Second}

	credStore, err := creds.NewStore(filepath.Join(cfg.DataRoot, "credentials"))
	if err != nil {
		return nil, err
	}

	var srcs []sources.Source

	if cfg.VRoidHub.Enabled {
		refresher, err := creds.NewRefresher(credStore, models.SourceVRoidHub, sources.VRoidEndpoint)
		if err != nil {
			log.WithError(err).Warn("VRoid Hub enabled but no usable credential, skipping")
		} else {
			srcs = append(srcs, sources.NewVRoidHub(refresher, httpClient, limiter))
		}
	}
	if cfg.DeviantArt.Enabled {
		refresher, err := creds.NewRefresher(credStore, models.SourceDeviantArt, sources.DeviantArtEndpoint)
		if err != nil {
			log.WithError(err).Warn("DeviantArt enabled but no usable credential, skipping")
		} else {
			srcs = append(srcs, sources.NewDeviantArt(refresher, httpClient, limiter))
		}
	}
	if cfg.Sketchfab.Enabled {
		srcs = append(srcs, sources.NewSketchfab(cfg.Sketchfab.Token, httpClient, limiter))
	}
	if cfg.GitHub.Enabled {
		srcs = append(srcs, sources.NewGitHub(cfg.GitHub.Token, httpClient, limiter))
	}

	return srcs, nil
}

// openStack opens the store and classifier shared by crawl and watch.
func openStack(cfg models.Config) (*database.Store, *classify.Classifier, error) {
	store, err := database.OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	classifier, err := classify.New(cfg.DataRoot)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, classifier, nil
}
