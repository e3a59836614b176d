package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blevesearch/bleve/v2"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coff33ninja/vrm-auto-scraper/index"
	"github.com/coff33ninja/vrm-auto-scraper/internal/crawler"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run one acquisition pass over every enabled source",
	Long: `Crawl discovers candidate models on every enabled source, downloads
the freely licensed ones that are not yet cataloged, classifies the
files, and records them in the catalog. A source whose credentials are
rejected is skipped for the run and reported; the other sources still
complete before the command exits non-zero.`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().Int("max", 0, "Maximum acquisitions per source (0 uses config)")
	crawlCmd.Flags().StringSlice("keywords", nil, "Search keywords (overrides config)")
	crawlCmd.Flags().Bool("reset-cursor", false, "Restart discovery from the beginning instead of resuming")
	crawlCmd.Flags().Bool("no-index", false, "Skip maintaining the search index")

	viper.BindPFlag("crawl.max", crawlCmd.Flags().Lookup("max"))
	viper.BindPFlag("crawl.keywords", crawlCmd.Flags().Lookup("keywords"))
	viper.BindPFlag("crawl.reset_cursor", crawlCmd.Flags().Lookup("reset-cursor"))
	viper.BindPFlag("crawl.no_index", crawlCmd.Flags().Lookup("no-index"))
}

// liveProgress renders per-source status lines with uilive.
type liveProgress struct {
	mu     sync.Mutex
	writer *uilive.Writer
	lines  map[string]string
	order  []string
}

func newLiveProgress() *liveProgress {
	w := uilive.New()
	w.Start()
	return &liveProgress{writer: w, lines: make(map[string]string)}
}

func (p *liveProgress) Update(source, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.lines[source]; !seen {
		p.order = append(p.order, source)
	}
	p.lines[source] = status

	out := ""
	for _, src := range p.order {
		out += fmt.Sprintf("[%s] %s\n", src, p.lines[src])
	}
	fmt.Fprint(p.writer, out)
}

func (p *liveProgress) Stop() {
	p.writer.Stop()
}

func runCrawl(cmd *cobra.Command, args []string) error {
	opts := crawler.Options{
		Keywords:     globalConfig.Keywords,
		MaxPerSource: globalConfig.MaxPerSource,
		ResetCursor:  viper.GetBool("crawl.reset_cursor"),
	}
	if max := viper.GetInt("crawl.max"); max > 0 {
		opts.MaxPerSource = max
	}
	if kw := viper.GetStringSlice("crawl.keywords"); len(kw) > 0 {
		opts.Keywords = kw
	}

	limiter := buildLimiter(globalConfig)
	srcs, err := buildSources(globalConfig, limiter)
	if err != nil {
		return err
	}
	if len(srcs) == 0 {
		return fmt.Errorf("no sources enabled; enable at least one in %s", cfgFile)
	}

	store, classifier, err := openStack(globalConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	var idx = openIndexOrNil(viper.GetBool("crawl.no_index"))
	if idx != nil {
		defer idx.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := newLiveProgress()
	c := crawler.New(srcs, store, classifier, limiter, idx, progress)
	summaries, err := c.Run(ctx, opts)
	progress.Stop()
	if err != nil {
		return err
	}

	anyFatal := false
	for _, s := range summaries {
		fields := log.Fields{
			"acquired":         s.Acquired,
			"duplicates":       s.Duplicates,
			"not_downloadable": s.NotDownloadable,
			"failed":           s.Failed,
		}
		if s.Fatal {
			anyFatal = true
			log.WithFields(fields).Errorf("Source %s aborted: %v", s.Source, s.Errors)
			continue
		}
		log.WithFields(fields).Infof("Source %s complete", s.Source)
		for _, e := range s.Errors {
			log.Warnf("  %s: %s", s.Source, e)
		}
	}
	if anyFatal {
		return fmt.Errorf("one or more sources failed authentication")
	}
	return nil
}

// openIndexOrNil opens the search index, returning nil (indexing
// disabled) when skipped or unavailable.
func openIndexOrNil(skip bool) bleve.Index {
	if skip {
		return nil
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, continuing without it")
		return nil
	}
	return idx
}
