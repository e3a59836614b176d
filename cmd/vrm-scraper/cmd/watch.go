package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coff33ninja/vrm-auto-scraper/internal/crawler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously crawl in small batches",
	Long: `Watch runs the crawl loop forever: a batch of acquisitions per source,
a sleep, then the next batch. Stop it with Ctrl-C; the run finishes the
candidate in flight and exits cleanly.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Int("batch", 0, "Acquisitions per source per round (0 uses config)")
	watchCmd.Flags().Int("interval", 0, "Seconds to sleep between rounds (0 uses config)")

	viper.BindPFlag("watch.batch", watchCmd.Flags().Lookup("batch"))
	viper.BindPFlag("watch.interval", watchCmd.Flags().Lookup("interval"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	batch := globalConfig.BatchSize
	if v := viper.GetInt("watch.batch"); v > 0 {
		batch = v
	}
	interval := time.Duration(globalConfig.IntervalSec) * time.Second
	if v := viper.GetInt("watch.interval"); v > 0 {
		interval = time.Duration(v) * time.Second
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

	idx := openIndexOrNil(false)
	if idx != nil {
		defer idx.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Watching: %d per source every %s", batch, interval)
	c := crawler.New(srcs, store, classifier, limiter, idx, nil)
	err = c.Watch(ctx, batch, interval, crawler.Options{Keywords: globalConfig.Keywords})
	if errors.Is(err, context.Canceled) {
		log.Info("Watch stopped")
		return nil
	}
	return err
}
