package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coff33ninja/vrm-auto-scraper/internal/database"
	"github.com/coff33ninja/vrm-auto-scraper/internal/helpers"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for cataloged models",
	Long: `Torrent generates BitTorrent metainfo (.torrent) files for models in
the catalog so freely licensed avatars can be mirrored. One torrent is
written per cataloged file.`,
	RunE: runTorrent,
}

var (
	torrentAnnounceFlag  []string
	torrentOutputFlag    string
	torrentSourceFlag    string
	torrentMagnetFlag    bool
	torrentOverwriteFlag bool
)

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&torrentAnnounceFlag, "announce", nil, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringVar(&torrentOutputFlag, "output", "", "Directory for .torrent files (default: alongside each model)")
	torrentCmd.Flags().StringVar(&torrentSourceFlag, "source", "", "Only generate for records from this source")
	torrentCmd.Flags().BoolVar(&torrentMagnetFlag, "magnet", false, "Also write a magnet link file per torrent")
	torrentCmd.Flags().BoolVar(&torrentOverwriteFlag, "overwrite", false, "Replace existing .torrent files")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(torrentAnnounceFlag) == 0 {
		return fmt.Errorf("at least one --announce tracker URL is required")
	}

	store, err := database.OpenStore(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Query(torrentSourceFlag, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Nothing to generate: catalog is empty.")
		return nil
	}

	if torrentOutputFlag != "" {
		if !helpers.CheckAndMakeDir(torrentOutputFlag) {
			return fmt.Errorf("creating output directory %s", torrentOutputFlag)
		}
	}

	generated, skipped, failed := 0, 0, 0
	for _, record := range records {
		switch err := generateTorrent(record); {
		case err == nil:
			generated++
		case os.IsExist(err):
			skipped++
		default:
			log.WithError(err).Warnf("Could not generate torrent for %s", record.Key())
			failed++
		}
	}

	log.Infof("Torrents: %d generated, %d skipped, %d failed", generated, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%d torrents failed to generate", failed)
	}
	return nil
}

func generateTorrent(record models.ModelRecord) error {
	if _, err := os.Stat(record.FilePath); err != nil {
		return fmt.Errorf("model file missing: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(record.FilePath), filepath.Ext(record.FilePath))
	outDir := torrentOutputFlag
	if outDir == "" {
		outDir = filepath.Dir(record.FilePath)
	}
	outPath := filepath.Join(outDir, name+".torrent")

	if !torrentOverwriteFlag {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Debug("Skipping existing torrent file (use --overwrite to replace)")
			return os.ErrExist
		}
	}

	mi := metainfo.MetaInfo{
		Announce:     torrentAnnounceFlag[0],
		AnnounceList: make([][]string, len(torrentAnnounceFlag)),
		CreatedBy:    "vrm-scraper",
		Comment:      record.SourceURL,
	}
	for i, tracker := range torrentAnnounceFlag {
		mi.AnnounceList[i] = []string{tracker}
	}

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}
	if err := info.BuildFromFilePath(record.FilePath); err != nil {
		return fmt.Errorf("building torrent info from %s: %w", record.FilePath, err)
	}

	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return fmt.Errorf("writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	if torrentMagnetFlag {
		infoHash := mi.HashInfoBytes()
		parts := []string{
			fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
			fmt.Sprintf("dn=%s", url.QueryEscape(filepath.Base(record.FilePath))),
		}
		for _, tracker := range torrentAnnounceFlag {
			parts = append(parts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
		magnetPath := filepath.Join(outDir, name+"-magnet.txt")
		if err := os.WriteFile(magnetPath, []byte(strings.Join(parts, "&")+"\n"), 0644); err != nil {
			// The torrent itself succeeded, a missing magnet file is
			// only worth a warning.
			log.WithError(err).Warnf("Failed to write magnet link file %s", magnetPath)
		}
	}
	return nil
}
