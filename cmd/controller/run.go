package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/engine"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region input
type inputLine struct {
	State   []float64 `json:"state"`
	Goal    string    `json:"goal"`
	Unsafe  bool      `json:"unsafe"`
	Timeout string    `json:"timeout"`
}

// parseLine accepts a JSON object or bare numbers separated by whitespace or
// commas.
func parseLine(line string) (arbiter.Input, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		var in inputLine
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			return arbiter.Input{}, fmt.Errorf("parse input: %w", err)
		}
		out := arbiter.Input{Values: in.State, Goal: in.Goal}
		if in.Unsafe {
			out.Flags |= state.FlagUnsafe
		}
		if in.Timeout != "" {
			d, err := time.ParseDuration(in.Timeout)
			if err != nil {
				return arbiter.Input{}, fmt.Errorf("parse timeout: %w", err)
			}
			out.Timeout = d
		}
		return out, nil
	}

	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return arbiter.Input{}, fmt.Errorf("parse value %q: %w", f, err)
		}
		vals = append(vals, v)
	}
	return arbiter.Input{Values: vals}, nil
}

// #endregion input

// #region output
type decisionLine struct {
	Receipt    uint64   `json:"receipt"`
	Action     uint32   `json:"action"`
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Confidence float64  `json:"confidence"`
	Explored   bool     `json:"explored,omitempty"`
	Cause      string   `json:"cause,omitempty"`
	Trace      []string `json:"trace"`
	Outcome    string   `json:"outcome,omitempty"`
	Reward     *float64 `json:"reward,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func toLine(d arbiter.Decision) decisionLine {
	out := decisionLine{
		Receipt:    d.Receipt,
		Action:     uint32(d.Action.ID),
		Name:       d.Action.Name,
		Path:       d.Path.String(),
		Confidence: d.Confidence,
		Explored:   d.Explored,
		Cause:      string(d.Cause),
		Trace:      make([]string, len(d.Trace)),
	}
	for i, p := range d.Trace {
		out.Trace[i] = string(p)
	}
	return out
}

// #endregion output

// #region loop
// decideLoop decides on every line of in until EOF or ctx is done.
// Malformed lines produce an error line and are otherwise skipped.
func decideLoop(ctx context.Context, e *engine.Engine, in io.Reader, out io.Writer, log zerolog.Logger, wait bool) error {
	enc := json.NewEncoder(out)
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-scanErr:
				return err
			default:
				return nil
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		input, err := parseLine(line)
		if err != nil {
			if err := enc.Encode(decisionLine{Error: err.Error()}); err != nil {
				return err
			}
			continue
		}
		d, err := e.Decide(ctx, input)
		if err != nil {
			log.Debug().Err(err).Msg("malformed input")
			if err := enc.Encode(decisionLine{Error: err.Error()}); err != nil {
				return err
			}
			continue
		}

		row := toLine(d)
		if wait {
			s, err := d.Handle.Wait(ctx)
			if err != nil {
				return nil
			}
			row.Outcome = s.Outcome.String()
			r := s.Reward
			row.Reward = &r
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
}

func reasonCounts(m map[guardian.ReasonCode]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// #endregion loop
