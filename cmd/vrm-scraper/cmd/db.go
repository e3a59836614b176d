package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coff33ninja/vrm-auto-scraper/internal/database"
	"github.com/coff33ninja/vrm-auto-scraper/internal/helpers"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and manage the model catalog",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged models, newest first",
	RunE:  runDbList,
}

var dbExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export the catalog as JSON (stdout when no file given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDbExport,
}

var dbImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Merge records from a JSON export into the catalog",
	Long: `Import reads a JSON export and inserts every record whose
(source, id) pair is not yet cataloged. Existing records are never
overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: runDbImport,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the catalog per source and file type",
	RunE:  runDbStats,
}

var listSourceFlag string
var listLimitFlag int

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbExportCmd)
	dbCmd.AddCommand(dbImportCmd)
	dbCmd.AddCommand(dbStatsCmd)

	dbListCmd.Flags().StringVar(&listSourceFlag, "source", "", "Only list records from this source")
	dbListCmd.Flags().IntVar(&listLimitFlag, "limit", 0, "Maximum records to list (0 = all)")
}

func runDbList(cmd *cobra.Command, args []string) error {
	store, err := database.OpenStore(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Query(listSourceFlag, listLimitFlag)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Catalog is empty.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACQUIRED\tSOURCE\tID\tNAME\tTYPE\tSIZE\tLICENSE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AcquiredAt.Format("2006-01-02 15:04"),
			r.Source,
			r.SourceModelID,
			r.Name,
			r.FileType,
			helpers.BytesToSize(uint64(r.SizeBytes)),
			r.LicenseType,
		)
	}
	return tw.Flush()
}

func runDbExport(cmd *cobra.Command, args []string) error {
	store, err := database.OpenStore(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Export()
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling catalog: %w", err)
	}

	if len(args) == 0 {
		fmt.Println(string(raw))
		return nil
	}
	if err := os.WriteFile(args[0], raw, 0644); err != nil {
		return fmt.Errorf("writing export to %s: %w", args[0], err)
	}
	log.Infof("Exported %d records to %s", len(records), args[0])
	return nil
}

func runDbImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading import file %s: %w", args[0], err)
	}
	var records []models.ModelRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parsing import file %s: %w", args[0], err)
	}

	store, err := database.OpenStore(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	inserted, err := store.Import(records)
	if err != nil {
		return err
	}
	log.Infof("Imported %d new records (%d already present)", inserted, len(records)-inserted)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	store, err := database.OpenStore(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Total records: %d (%s on disk)\n", stats.Total, helpers.BytesToSize(uint64(stats.TotalBytes)))

	fmt.Println("\nBy source:")
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, source := range sortedKeys(stats.BySource) {
		fmt.Fprintf(tw, "  %s\t%d\n", source, stats.BySource[source])
	}
	tw.Flush()

	fmt.Println("\nBy file type:")
	tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, ft := range sortedKeys(stats.ByFileType) {
		fmt.Fprintf(tw, "  %s\t%d\n", ft, stats.ByFileType[ft])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
