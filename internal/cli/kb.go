package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/ctxlab/internal/daemon"
	"github.com/harun/ctxlab/pkg/knowledge"
	"github.com/spf13/cobra"
)

var (
	kbLimit int
	kbJSON  bool
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the local knowledge base",
}

var kbIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the configured knowledge sources",
	Long: `Walk the configured knowledge sources and index new or changed files.
Unchanged files are skipped and files that disappeared are pruned.`,
	Args: cobra.NoArgs,
	RunE: runKBIndex,
}

var kbSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKBSearch,
}

func init() {
	kbSearchCmd.Flags().IntVar(&kbLimit, "limit", knowledge.DefaultSearchOptions().Limit, "maximum number of passages")
	kbSearchCmd.Flags().BoolVar(&kbJSON, "json", false, "print results as JSON")
	kbCmd.AddCommand(kbIndexCmd, kbSearchCmd)
	rootCmd.AddCommand(kbCmd)
}

func openRuntime(cmd *cobra.Command) (*daemon.Runtime, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cmd, cfg, cmd.Flags().Changed("log-level"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	rt, err := daemon.NewRuntime(cfg, log.GetZerolog())
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return rt, func() {
		_ = rt.Close(5 * time.Second)
		log.Close()
	}, nil
}

func runKBIndex(cmd *cobra.Command, args []string) error {
	rt, closeFn, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	report, err := rt.SyncKnowledge(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files (%d chunks), skipped %d, pruned %d in %s\n",
		report.FilesIndexed, report.ChunksCreated, report.FilesSkipped, report.FilesPruned, report.Duration.Round(time.Millisecond))
	return nil
}

func runKBSearch(cmd *cobra.Command, args []string) error {
	rt, closeFn, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if rt.Knowledge == nil {
		return daemon.ErrKnowledgeDisabled
	}

	opts := knowledge.DefaultSearchOptions()
	if kbLimit > 0 {
		opts.Limit = kbLimit
	}
	results, err := rt.Knowledge.Search(cmd.Context(), strings.Join(args, " "), &opts)
	if err != nil {
		return err
	}
	return printResults(cmd.OutOrStdout(), results, kbJSON)
}

func printResults(w io.Writer, results []knowledge.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(w, "No results")
		return nil
	}
	for i, r := range results {
		location := r.Source
		if r.Heading != "" {
			location += " > " + r.Heading
		}
		fmt.Fprintf(w, "%d. [%.3f] %s\n", i+1, r.Score, location)
		fmt.Fprintf(w, "   %s\n", snippet(r.Content, 200))
	}
	return nil
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
