package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

// --- memory commands ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Search and update the semantic memory store",
}

var (
	memorySearchMin   int
	memorySearchTags  []string
	memorySearchLimit int
)

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memory objects by term or definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		results, err := db.SearchMemory(cmd.Context(), store.MemoryQuery{
			Query:         strings.Join(args, " "),
			MinConfidence: memorySearchMin,
			Tags:          memorySearchTags,
			Limit:         memorySearchLimit,
		})
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, m := range results {
			fmt.Printf("%d. [%d] %s  %s\n", i+1, m.Confidence, color.New(color.Bold).Sprint(m.Term), m.ID)
			if m.Definition != "" {
				fmt.Printf("   %s\n", m.Definition)
			}
			if len(m.Tags) > 0 {
				fmt.Printf("   tags: %s\n", strings.Join(m.Tags, ", "))
			}
			for _, ex := range m.ContextExamples {
				fmt.Printf("   > %s\n", truncateLine(ex.Text, 100))
			}
			fmt.Println()
		}
		return nil
	},
}

var (
	memoryDefinition string
	memoryConfidence int
	memorySource     string
	memoryTags       []string
	memoryExamples   []string
)

var memoryUpsertCmd = &cobra.Command{
	Use:   "upsert [term]",
	Short: "Create or merge a memory object",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := engine.MemoryUpsert{
			Term:       strings.Join(args, " "),
			Definition: memoryDefinition,
			Confidence: memoryConfidence,
			Source:     memorySource,
			Tags:       memoryTags,
		}
		for _, ex := range memoryExamples {
			in.ContextExamples = append(in.ContextExamples, store.ContextExample{Text: ex, Source: memorySource})
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		id, created, err := apiClient().UpsertMemory(ctx, in)
		if err != nil {
			return err
		}
		verb := "updated"
		if created {
			verb = "created"
		}
		fmt.Printf("%s %s\n", id, verb)
		return nil
	},
}

// --- rules commands ---

var rulesActiveOnly bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and manage decision rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		rules, err := db.ListRules(cmd.Context(), rulesActiveOnly)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules defined.")
			return nil
		}
		for _, r := range rules {
			state := color.New(color.FgGreen).Sprint("active  ")
			if !r.Active {
				state = color.New(color.FgYellow).Sprint("inactive")
			}
			lastRun := "never"
			if r.LastRun != nil {
				lastRun = time.UnixMilli(*r.LastRun).Format(time.DateTime)
			}
			fmt.Printf("%3d  %s  %-24s %s %s %d -> %s  (last run %s)\n",
				r.ID, state, r.Name, r.TargetMetric, r.Operator, r.Threshold, r.Outcome, lastRun)
		}
		return nil
	},
}

var ruleInactive bool

var rulesAddCmd = &cobra.Command{
	Use:   "add [name] [metric] [operator] [threshold] [outcome]",
	Short: "Add a rule, e.g. rules add hot score '>=' 80 prioritize",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("threshold %q: %w", args[3], err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		r, err := apiClient().CreateRule(ctx, store.Rule{
			Name:         args[0],
			TargetMetric: args[1],
			Operator:     args[2],
			Threshold:    threshold,
			Outcome:      args[4],
			Active:       !ruleInactive,
		})
		if err != nil {
			return err
		}
		fmt.Printf("rule %d created\n", r.ID)
		return nil
	},
}

func toggleCommand(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule from the next evaluation cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("rule id %q: %w", args[0], err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()

			r, err := apiClient().ToggleRule(ctx, id, active)
			if err != nil {
				return err
			}
			fmt.Printf("rule %d (%s) active=%t\n", r.ID, r.Name, r.Active)
			return nil
		},
	}
}

// --- decisions command ---

var decisionsFilter store.DecisionFilter

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Show the decision log",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		logs, err := db.ListDecisions(cmd.Context(), decisionsFilter)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Println("No decisions logged.")
			return nil
		}
		for _, l := range logs {
			fmt.Printf("%s  %s  %-24s -> %s\n",
				time.UnixMilli(l.Timestamp).Format(time.DateTime), l.SignalID, l.RuleName, l.Outcome)
		}
		return nil
	},
}

func init() {
	memorySearchCmd.Flags().IntVar(&memorySearchMin, "min-confidence", 0, "minimum confidence")
	memorySearchCmd.Flags().StringSliceVarP(&memorySearchTags, "tag", "t", nil, "filter by tag (repeatable)")
	memorySearchCmd.Flags().IntVarP(&memorySearchLimit, "limit", "n", 20, "maximum number of results")

	memoryUpsertCmd.Flags().StringVarP(&memoryDefinition, "definition", "d", "", "definition text")
	memoryUpsertCmd.Flags().IntVarP(&memoryConfidence, "confidence", "c", 50, "confidence 0..100")
	memoryUpsertCmd.Flags().StringVar(&memorySource, "source", "", "where the term came from")
	memoryUpsertCmd.Flags().StringSliceVarP(&memoryTags, "tag", "t", nil, "tag (repeatable)")
	memoryUpsertCmd.Flags().StringArrayVarP(&memoryExamples, "example", "e", nil, "context example (repeatable)")

	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryUpsertCmd)

	rulesCmd.Flags().BoolVar(&rulesActiveOnly, "active", false, "only active rules")
	rulesAddCmd.Flags().BoolVar(&ruleInactive, "inactive", false, "create the rule disabled")
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(toggleCommand("enable", true))
	rulesCmd.AddCommand(toggleCommand("disable", false))

	decisionsCmd.Flags().StringVar(&decisionsFilter.SignalID, "signal", "", "filter by signal id")
	decisionsCmd.Flags().StringVar(&decisionsFilter.RuleName, "rule", "", "filter by rule name")
	decisionsCmd.Flags().IntVarP(&decisionsFilter.Limit, "limit", "n", 50, "maximum number of entries")
}
