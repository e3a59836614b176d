package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coff33ninja/vrm-auto-scraper/index"
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search the catalog index",
	Long: `Search runs a full-text query against the catalog index. Field
queries use the record's JSON names, e.g. '+artist:miko' or
'+licenseType:cc0 +fileType:vrm'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	query := strings.Join(args, " ")
	results, err := index.SearchIndex(idx, query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if results.Total == 0 {
		fmt.Println("No matches.")
		return nil
	}

	fmt.Printf("%d matches (%s)\n\n", results.Total, results.Took)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tSOURCE\tNAME\tARTIST\tFILE")
	for _, hit := range results.Hits {
		fmt.Fprintf(tw, "%.2f\t%v\t%v\t%v\t%v\n",
			hit.Score,
			hit.Fields["source"],
			hit.Fields["name"],
			hit.Fields["artist"],
			hit.Fields["filePath"],
		)
	}
	return tw.Flush()
}
