package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/reflexcore/internal/logging"
	"github.com/danielpatrickdp/reflexcore/internal/replay"
)

// #region main

var (
	jsonOut  bool
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Replay a JSON fixture through a fresh engine and check expectations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := runFixture(cmd.Context(), args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !ok {
				return errMismatch
			}
			return nil
		},
		SilenceUsage: true,
	}

	errMismatch = errors.New("replay: results differ from expectations")
)

func init() {
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON instead of a table")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "disabled", "engine log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region fixture-mode

type report struct {
	Description string            `json:"description"`
	Results     []replay.Result   `json:"results"`
	Summary     replay.Summary    `json:"summary"`
	Mismatches  []replay.Mismatch `json:"mismatches,omitempty"`
}

func runFixture(ctx context.Context, path string, out io.Writer) (bool, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return false, err
	}
	h, err := replay.New(f, replay.WithLogger(logging.New(logging.Config{Level: logLevel, Format: "console"})))
	if err != nil {
		return false, err
	}
	defer h.Close()

	results, err := h.Run(ctx)
	if err != nil {
		return false, err
	}
	rep := report{
		Description: f.Description,
		Results:     results,
		Summary:     replay.Summarize(results),
		Mismatches:  h.Check(results),
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return len(rep.Mismatches) == 0, enc.Encode(rep)
	}
	printTable(out, rep)
	return len(rep.Mismatches) == 0, nil
}

// #endregion fixture-mode

// #region output

func printTable(out io.Writer, rep report) {
	if rep.Description != "" {
		fmt.Fprintf(out, "%s\n\n", rep.Description)
	}
	fmt.Fprintf(out, "%-8s %-9s %-10s %-10s %-9s %-8s %s\n", "STEP", "PATH", "ACTION", "OUTCOME", "REWARD", "CONF", "CAUSE")
	fmt.Fprintln(out, strings.Repeat("-", 70))
	for _, r := range rep.Results {
		if r.Consolidate {
			fmt.Fprintf(out, "%-8s consolidation pass, %d reflexes\n", r.StepID, r.Reflexes)
			continue
		}
		fmt.Fprintf(out, "%-8s %-9s %-10s %-10s %-9.3f %-8.3f %s\n",
			r.StepID, r.Path, fmt.Sprintf("%d:%s", r.Action, r.ActionName), r.Outcome, r.Reward, r.Confidence, r.Cause)
	}
	s := rep.Summary
	fmt.Fprintf(out, "\nsteps=%d fast=%d slow=%d failsafe=%d consolidations=%d reflexes=%d mean_reward=%.3f\n",
		s.TotalSteps, s.Fast, s.Slow, s.Failsafe, s.Consolidations, s.Reflexes, s.MeanReward)

	if len(rep.Mismatches) == 0 {
		fmt.Fprintln(out, "all expectations met")
		return
	}
	fmt.Fprintf(out, "%d mismatches:\n", len(rep.Mismatches))
	for _, m := range rep.Mismatches {
		fmt.Fprintf(out, "  %s\n", m)
	}
}

// #endregion output
