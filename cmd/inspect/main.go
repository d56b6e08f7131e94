package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/reflexcore/internal/archive"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
)

// #region main

var (
	dbPath  string
	last    int
	jsonOut bool

	rootCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a SQLite experience archive",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			return nil
		},
		SilenceUsage: true,
	}
	summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Counts by path and outcome, mean reward",
		RunE:  withSink(runSummary),
	}
	experiencesCmd = &cobra.Command{
		Use:   "experiences",
		Short: "List the most recent experiences",
		RunE:  withSink(runExperiences),
	}
	batchesCmd = &cobra.Command{
		Use:   "batches",
		Short: "List the most recent export batches",
		RunE:  withSink(runBatches),
	}
	connectionCmd = &cobra.Command{
		Use:   "connection <id>",
		Short: "Show one archived connection",
		Args:  cobra.ExactArgs(1),
		RunE:  withSink(runConnection),
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite archive")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")
	experiencesCmd.Flags().IntVar(&last, "last", 20, "show N most recent entries")
	batchesCmd.Flags().IntVar(&last, "last", 20, "show N most recent batches")
	rootCmd.AddCommand(summaryCmd, experiencesCmd, batchesCmd, connectionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type sinkRunner func(cmd *cobra.Command, args []string, sink *archive.SQLiteSink) error

func withSink(run sinkRunner) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		sink, err := archive.OpenSQLite(dbPath)
		if err != nil {
			return err
		}
		defer sink.Close()
		return run(cmd, args, sink)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion main

// #region summary

func runSummary(cmd *cobra.Command, _ []string, sink *archive.SQLiteSink) error {
	sum, err := sink.Summarize(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, sum)
	}
	fmt.Fprintf(out, "batches:      %d\n", sum.Batches)
	fmt.Fprintf(out, "experiences:  %d\n", sum.Experiences)
	fmt.Fprintf(out, "connections:  %d\n", sum.Connections)
	fmt.Fprintf(out, "mean reward:  %.4f\n", sum.MeanReward)
	printCounts(out, "by path", sum.ByPath)
	printCounts(out, "by outcome", sum.ByOutcome)
	return nil
}

func printCounts(out io.Writer, title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-10s %d\n", k, m[k])
	}
}

// #endregion summary

// #region experiences

type experienceRow struct {
	Seq     uint64    `json:"seq"`
	Time    string    `json:"time"`
	Cell    string    `json:"cell"`
	Action  uint32    `json:"action"`
	Path    string    `json:"path"`
	Outcome string    `json:"outcome"`
	Reward  float32   `json:"reward"`
	State   []float64 `json:"state"`
	Goal    string    `json:"goal,omitempty"`
	Cause   string    `json:"cause,omitempty"`
}

func toRow(e experience.Entry) experienceRow {
	st := e.State.Floats()
	r := experienceRow{
		Seq:     e.Seq,
		Time:    time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339Nano),
		Cell:    fmt.Sprintf("%016x", e.StateHash),
		Action:  uint32(e.Action),
		Path:    e.Path.String(),
		Outcome: e.Outcome.String(),
		Reward:  e.Reward,
		State:   st[:],
	}
	if e.Meta != nil {
		r.Goal = e.Meta.Goal
		r.Cause = e.Meta.Cause
	}
	return r
}

func runExperiences(cmd *cobra.Command, _ []string, sink *archive.SQLiteSink) error {
	entries, err := sink.Experiences(cmd.Context(), last)
	if err != nil {
		return err
	}
	rows := make([]experienceRow, len(entries))
	for i, e := range entries {
		rows[i] = toRow(e)
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no experiences found")
		return nil
	}
	fmt.Fprintf(out, "%-8s %-16s %-6s %-9s %-9s %-8s %s\n", "SEQ", "CELL", "ACTION", "PATH", "OUTCOME", "REWARD", "STATE")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, r := range rows {
		parts := make([]string, len(r.State))
		for i, v := range r.State {
			parts[i] = strconv.FormatFloat(v, 'f', 3, 64)
		}
		fmt.Fprintf(out, "%-8d %-16s %-6d %-9s %-9s %-8.3f [%s]\n",
			r.Seq, r.Cell, r.Action, r.Path, r.Outcome, r.Reward, strings.Join(parts, " "))
	}
	return nil
}

// #endregion experiences

// #region batches

func runBatches(cmd *cobra.Command, _ []string, sink *archive.SQLiteSink) error {
	batches, err := sink.Batches(cmd.Context(), last)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, batches)
	}
	fmt.Fprintf(out, "%-36s %-30s %-11s %s\n", "ID", "CREATED", "EXPERIENCES", "CONNECTIONS")
	for _, b := range batches {
		fmt.Fprintf(out, "%-36s %-30s %-11d %d\n", b.ID, b.CreatedAt.Format(time.RFC3339Nano), b.Experiences, b.Connections)
	}
	return nil
}

// #endregion batches

// #region connection

type connectionRow struct {
	ID          uint64  `json:"id"`
	Source      uint64  `json:"source"`
	Target      string  `json:"target"`
	Confidence  uint8   `json:"confidence"`
	Weight      float64 `json:"weight"`
	Tier        string  `json:"tier"`
	Rigidity    float32 `json:"rigidity"`
	Activations uint8   `json:"activations"`
	Version     uint32  `json:"version"`
}

func runConnection(cmd *cobra.Command, args []string, sink *archive.SQLiteSink) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid connection id %q: %w", args[0], err)
	}
	c, err := sink.Connection(cmd.Context(), graph.ConnID(id))
	if err != nil {
		return err
	}
	target := strconv.FormatUint(uint64(c.Target), 10)
	if a, ok := graph.ActionOf(c.Target); ok {
		target = fmt.Sprintf("action:%d", a)
	}
	row := connectionRow{
		ID:          uint64(c.ID),
		Source:      uint64(c.Source),
		Target:      target,
		Confidence:  c.Confidence,
		Weight:      c.Weight(),
		Tier:        c.Tier.String(),
		Rigidity:    c.Rigidity,
		Activations: c.Activations,
		Version:     c.Version,
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, row)
	}
	fmt.Fprintf(out, "connection %d\n", row.ID)
	fmt.Fprintf(out, "  source:      %d\n", row.Source)
	fmt.Fprintf(out, "  target:      %s\n", row.Target)
	fmt.Fprintf(out, "  confidence:  %d (%.3f)\n", row.Confidence, row.Weight)
	fmt.Fprintf(out, "  tier:        %s\n", row.Tier)
	fmt.Fprintf(out, "  rigidity:    %.2f\n", row.Rigidity)
	fmt.Fprintf(out, "  activations: %d\n", row.Activations)
	fmt.Fprintf(out, "  version:     %d\n", row.Version)
	return nil
}

// #endregion connection
