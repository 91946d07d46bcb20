package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/universe"
)

var (
	verifyUniverse string
	verifyReply    string
	verifyMinor    float64
	verifyMajor    float64
	verifyTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyUniverse, "universe", "", "Path to a universe snapshot (.json|.yaml) (required)")
	verifyCmd.Flags().StringVar(&verifyReply, "reply", "", "Reply text to verify; read from the file argument or stdin when empty")
	verifyCmd.Flags().Float64Var(&verifyMinor, "minor", 0, "Minor variation percent (default 10)")
	verifyCmd.Flags().Float64Var(&verifyMajor, "major", 0, "Major error percent (default 25)")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 5*time.Second, "Maximum time to wait for the report")
	_ = verifyCmd.MarkFlagRequired("universe")
}

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Fact-check a reply against a universe snapshot",
	Long: "Extracts numeric, category, customer and timeline claims from a reply and\n" +
		"prints the verification report as JSON.",
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	snap, err := universe.Load(verifyUniverse)
	if err != nil {
		return err
	}
	reply := verifyReply
	if strings.TrimSpace(reply) == "" {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		if reply, err = readInput(cmd, path); err != nil {
			return err
		}
	}

	svc := factcheck.NewService(factcheck.Options{
		Workers:        1,
		MaxTimeout:     verifyTimeout,
		DefaultTimeout: verifyTimeout,
		Thresholds:     factcheck.Thresholds{MinorVariationPercent: verifyMinor, MajorErrorPercent: verifyMajor},
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := svc.Verify(ctx, factcheck.Request{ConversationID: "cjctl", Reply: reply, Snapshot: snap}, factcheck.ModeSync)
	rep, state := f.Await(ctx, verifyTimeout)
	if rep == nil {
		return fmt.Errorf("verification %s after %s", state, verifyTimeout)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
