package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/tiltguard/internal/assessment"
	"github.com/mbd888/tiltguard/internal/gate"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// errNotAllowed is returned by score --fail-unless-allow for any other decision.
var errNotAllowed = errors.New("decision is not allow")

// scoreInput is the file score reads.
type scoreInput struct {
	Signals  signals.Signals    `json:"signals"`
	Context  risk.ActionContext `json:"context"`
	Baseline *signals.Baseline  `json:"baseline,omitempty"`
}

type scoreOptions struct {
	input      string
	policyFile string
	profile    string
	format     string
	failUnless bool
}

func newScoreCmd() *cobra.Command {
	var opts scoreOptions
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a captured signal set offline",
		Long: "Reads {\"signals\": ..., \"context\": ..., \"baseline\": ...} as JSON from --input\n" +
			"(or stdin with -) and prints the verdict the gate would return. No pattern\n" +
			"history or hosted model is used, so the result is deterministic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "Path to signal JSON, - for stdin")
	cmd.Flags().StringVar(&opts.policyFile, "policy", "", "Path to policy YAML (default: built-in moderate)")
	cmd.Flags().StringVar(&opts.profile, "profile", policy.DefaultProfile, "Policy profile to use from --policy")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format (text|json)")
	cmd.Flags().BoolVar(&opts.failUnless, "fail-unless-allow", false, "Exit with status 2 unless the decision is allow")
	return cmd
}

func runScore(cmd *cobra.Command, opts scoreOptions) error {
	in, err := readInput(cmd.InOrStdin(), opts.input)
	if err != nil {
		return err
	}

	pol := policy.Default()
	if opts.policyFile != "" {
		if pol, err = policy.Load(opts.policyFile, opts.profile); err != nil {
			return err
		}
	}

	ev := assessment.EvaluateOffline(in.Signals, in.Context, in.Baseline, pol)

	out := cmd.OutOrStdout()
	switch opts.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ev); err != nil {
			return err
		}
	case "text":
		printEvaluation(out, ev, pol.Name)
	default:
		return fmt.Errorf("unknown format %q (want text or json)", opts.format)
	}

	if opts.failUnless && ev.Verdict.Decision != gate.DecisionAllow {
		return errNotAllowed
	}
	return nil
}

func readInput(stdin io.Reader, path string) (scoreInput, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) // #nosec G304 -- operator-supplied input path
		if err != nil {
			return scoreInput{}, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var in scoreInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return scoreInput{}, fmt.Errorf("parse input: %w", err)
	}
	return in, nil
}

func printEvaluation(w io.Writer, ev assessment.Evaluation, policyName string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "decision\t%s\n", ev.Verdict.Decision)
	fmt.Fprintf(tw, "status\t%s\n", ev.Status)
	fmt.Fprintf(tw, "score\t%d (base %d)\n", ev.Result.Score, ev.Result.BaseScore)
	fmt.Fprintf(tw, "confidence\t%.2f\n", ev.Confidence)
	fmt.Fprintf(tw, "stress\t%.1f\n", ev.Stress)
	if ev.Verdict.Cooldown > 0 {
		fmt.Fprintf(tw, "cooldown\t%s\n", ev.Verdict.Cooldown)
	}
	fmt.Fprintf(tw, "rule\t%s\n", ev.Verdict.Rule)
	fmt.Fprintf(tw, "policy\t%s\n", policyName)
	if len(ev.Result.ContextFactors) > 0 {
		fmt.Fprintf(tw, "context\t%s\n", strings.Join(ev.Result.ContextFactors, ", "))
	}
	_ = tw.Flush()

	if len(ev.Verdict.Reasons) > 0 {
		fmt.Fprintln(w, "\nreasons:")
		for _, r := range ev.Verdict.Reasons {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}

	fmt.Fprintln(w, "\ncomponents:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range ev.Components {
		if !c.Present {
			fmt.Fprintf(tw, "  %s\t-\t\t\n", c.Modality)
			continue
		}
		flags := make([]string, len(c.Flags))
		for i, f := range c.Flags {
			flags[i] = string(f)
		}
		fmt.Fprintf(tw, "  %s\t%.2f\tconf %.2f\t%s\n", c.Modality, c.Score, c.Confidence, strings.Join(flags, " "))
	}
	_ = tw.Flush()
}
