package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/feed"
	"github.com/lazypower/signalcore/internal/store"
)

const cliTimeout = 2 * time.Minute

// statusColor colors a pipeline or export status for terminal output.
func statusColor(status string) string {
	switch status {
	case store.StatusNew:
		return color.New(color.FgCyan).Sprint(status)
	case store.StatusScored, store.StatusMapped:
		return color.New(color.FgBlue).Sprint(status)
	case store.StatusRouted, store.ExportExported:
		return color.New(color.FgGreen).Sprint(status)
	case store.StatusFailed:
		return color.New(color.FgRed).Sprint(status)
	default:
		return color.New(color.FgYellow).Sprint(status)
	}
}

func scoreText(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// parseMetadata turns key=value pairs into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}

// --- ingest command ---

var (
	ingestSource   string
	ingestMetadata []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [content]",
	Short: "Submit one raw signal to the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, err := parseMetadata(ingestMetadata)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		res, err := apiClient().Ingest(ctx, engine.IngestRequest{
			Source:     ingestSource,
			RawContent: strings.Join(args, " "),
			Metadata:   metadata,
		})
		if err != nil {
			return err
		}
		if res.Duplicate {
			fmt.Printf("%s %s\n", res.ID, color.New(color.FgYellow).Sprint("(duplicate)"))
		} else {
			fmt.Println(res.ID)
		}
		return nil
	},
}

// --- import command ---

var importSource string

var importCmd = &cobra.Command{
	Use:   "import [feed.jsonl]",
	Short: "Bulk ingest a JSONL collector feed",
	Long:  "Reads one JSON object per line ({source, raw_content, metadata, collected_at}) and submits each to the server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, skipped, err := feed.ParseFile(args[0])
		if err != nil {
			return err
		}
		for _, s := range skipped {
			fmt.Fprintf(os.Stderr, "skip %s\n", s.Error())
		}

		c := apiClient()
		var created, duplicates, failed int
		for _, rec := range records {
			source := rec.Source
			if importSource != "" {
				source = importSource
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			res, err := c.Ingest(ctx, engine.IngestRequest{
				Source:      source,
				RawContent:  rec.RawContent,
				Metadata:    rec.Metadata,
				CollectedAt: rec.CollectedAt,
			})
			cancel()
			switch {
			case err != nil:
				failed++
				fmt.Fprintf(os.Stderr, "line %d: %v\n", rec.Line, err)
			case res.Duplicate:
				duplicates++
			default:
				created++
			}
		}

		fmt.Printf("Imported %d signals (%d duplicates, %d failed, %d skipped lines)\n",
			created, duplicates, failed, len(skipped))
		if len(records) > 0 && importSource == "" {
			fmt.Printf("  by source: %s\n", sourceSummary(feed.CountBySource(records)))
		}
		if failed > 0 {
			return fmt.Errorf("%d signals failed to import", failed)
		}
		return nil
	},
}

// sourceSummary renders per-source counts as "CRM=1, Twitter=2".
func sourceSummary(counts map[string]int) string {
	sources := make([]string, 0, len(counts))
	for src := range counts {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	parts := make([]string, len(sources))
	for i, src := range sources {
		parts[i] = fmt.Sprintf("%s=%d", src, counts[src])
	}
	return strings.Join(parts, ", ")
}

// --- signals command ---

var (
	signalsFilter store.SignalFilter
	signalsMin    int
	signalsMax    int
)

var signalsCmd = &cobra.Command{
	Use:   "signals [id]",
	Short: "List signals, or show one signal with its history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSignals,
}

func runSignals(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := engine.New(db, cfg).Detail(ctx, args[0])
		if err != nil {
			return err
		}
		printDetail(d)
		return nil
	}

	f := signalsFilter
	if cmd.Flags().Changed("min-score") {
		f.MinScore = &signalsMin
	}
	if cmd.Flags().Changed("max-score") {
		f.MaxScore = &signalsMax
	}
	signals, err := db.ListSignals(ctx, f)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		fmt.Println("No signals found.")
		return nil
	}
	for _, s := range signals {
		dest := s.Destination
		if dest == "" {
			dest = "-"
		}
		fmt.Printf("%s  %-8s  score=%-3s conf=%-3s  %-10s %-16s %s\n",
			s.ID, statusColor(s.Status), scoreText(s.Score), scoreText(s.Confidence),
			s.Source, dest, truncateLine(s.RawContent, 60))
	}
	return nil
}

func printDetail(d *engine.SignalDetail) {
	fmt.Printf("## %s\n\n", d.ID)
	fmt.Printf("  source:      %s\n", d.Source)
	fmt.Printf("  status:      %s\n", statusColor(d.Status))
	fmt.Printf("  score:       %s (confidence %s)\n", scoreText(d.Score), scoreText(d.Confidence))
	if d.GrowthType != "" {
		fmt.Printf("  growth type: %s\n", d.GrowthType)
	}
	if d.Destination != "" {
		fmt.Printf("  destination: %s\n", d.Destination)
	}
	fmt.Printf("  export:      %s (%d attempts)\n", statusColor(d.ExportStatus), d.ExportAttempts)
	if d.Reason != "" {
		fmt.Printf("  reason:      %s\n", color.New(color.FgRed).Sprint(d.Reason))
	}
	fmt.Printf("\n%s\n", d.RawContent)

	if len(d.Entities) > 0 {
		fmt.Printf("\nEntities: %s\n", strings.Join(d.Entities, ", "))
	}
	for _, en := range d.Enrichments {
		fmt.Printf("  enriched: %s -> %s\n", en.Term, en.MemoryID)
	}
	if len(d.Routings) > 0 {
		fmt.Println("\nRouting history:")
		for _, r := range d.Routings {
			marker := ""
			if r.SupersededAt == nil {
				marker = color.New(color.FgHiMagenta).Sprint(" ← active")
			}
			fmt.Printf("  %s  %s%s\n", time.UnixMilli(r.RoutedAt).Format(time.DateTime), r.Destination, marker)
		}
	}
	if len(d.ExportHistory) > 0 {
		fmt.Println("\nExport attempts:")
		for _, a := range d.ExportHistory {
			fmt.Printf("  #%d %s %s %s\n", a.Attempt, a.Destination, a.Outcome, a.Error)
		}
	}
	if len(d.Decisions) > 0 {
		fmt.Println("\nDecisions:")
		for _, l := range d.Decisions {
			fmt.Printf("  %s -> %s\n", l.RuleName, l.Outcome)
		}
	}
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- route / export / map commands ---

var routeDestination string

var routeCmd = &cobra.Command{
	Use:   "route [id...]",
	Short: "Route signals to a destination",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		results, err := apiClient().Route(ctx, args, routeDestination)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			switch {
			case r.Error != "":
				failed++
				fmt.Printf("%s  %s  %s\n", r.SignalID, color.New(color.FgRed).Sprint("REJECTED"), r.Error)
			case r.Noop:
				fmt.Printf("%s  %s  already at %s\n", r.SignalID, color.New(color.FgBlue).Sprint("NOOP    "), r.Destination)
			default:
				fmt.Printf("%s  %s  %s\n", r.SignalID, color.New(color.FgGreen).Sprint("ROUTED  "), r.Destination)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d signals not routed", failed, len(results))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export a routed signal to its destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		res, err := apiClient().Export(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  %s (%d attempts)\n", res.SignalID, statusColor(res.ExportStatus), res.Destination, res.Attempts)
		if res.Error != "" {
			fmt.Printf("  %s\n", color.New(color.FgRed).Sprint(res.Error))
		}
		return nil
	},
}

var mapCmd = &cobra.Command{
	Use:   "map [id] [growth-type]",
	Short: "Assign a growth signal type",
	Long:  "Assign one of: " + strings.Join(engine.GrowthTypes, ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		if err := apiClient().Map(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s mapped to %s\n", args[0], args[1])
		return nil
	},
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline counts and score averages",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		st, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Signals: %d\n\n", st.Total)
		for _, status := range []string{store.StatusNew, store.StatusScored, store.StatusMapped,
			store.StatusRouted, store.StatusFailed} {
			fmt.Printf("  %-10s %d\n", statusColor(status), st.ByStatus[status])
		}
		fmt.Println()
		for _, status := range []string{store.ExportUnexported, store.ExportExported, store.ExportFailed} {
			fmt.Printf("  export %-10s %d\n", status, st.ByExportStatus[status])
		}
		fmt.Printf("\nAvg score %.1f, avg confidence %.1f, high-score signals %d\n",
			st.AvgScore, st.AvgConfidence, st.HighScore)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestSource, "source", "s", "", "signal source (required)")
	ingestCmd.Flags().StringArrayVarP(&ingestMetadata, "meta", "m", nil, "metadata key=value (repeatable)")
	ingestCmd.MarkFlagRequired("source")

	importCmd.Flags().StringVar(&importSource, "source", "", "override the source of every record")

	signalsCmd.Flags().StringVar(&signalsFilter.Status, "status", "", "filter by status")
	signalsCmd.Flags().StringVar(&signalsFilter.Source, "source", "", "filter by source")
	signalsCmd.Flags().StringVar(&signalsFilter.Destination, "destination", "", "filter by destination")
	signalsCmd.Flags().StringVar(&signalsFilter.GrowthType, "growth-type", "", "filter by growth type")
	signalsCmd.Flags().StringVar(&signalsFilter.ExportStatus, "export-status", "", "filter by export status")
	signalsCmd.Flags().IntVar(&signalsMin, "min-score", 0, "minimum score")
	signalsCmd.Flags().IntVar(&signalsMax, "max-score", 100, "maximum score")
	signalsCmd.Flags().IntVarP(&signalsFilter.Limit, "limit", "n", 50, "maximum number of signals")

	routeCmd.Flags().StringVarP(&routeDestination, "to", "d", "", "destination name (required)")
	routeCmd.MarkFlagRequired("to")
}
