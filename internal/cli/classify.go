package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ent0n29/cj/internal/boundary"
)

var (
	classifyPolicy  string
	classifyVersion string
	classifyFormat  string
)

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVar(&classifyPolicy, "policy", "", "Path to boundary policy YAML (built-in policy when empty)")
	classifyCmd.Flags().StringVar(&classifyVersion, "version", "", "CJ version to classify against (registry default when empty)")
	classifyCmd.Flags().StringVarP(&classifyFormat, "format", "f", "text", "Output format (text|json)")
}

var classifyCmd = &cobra.Command{
	Use:   "classify <tool-tag>...",
	Short: "Classify tool tags against a boundary policy",
	Long: "Prints the data category and outcome of each tool tag. Unknown tags\n" +
		"are reported as unknown and are rejected at runtime.",
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

type classifyRow struct {
	boundary.Decision
	Message string `json:"boundary_message,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	reg, err := boundary.LoadRegistry(classifyPolicy)
	if err != nil {
		return err
	}
	p, err := reg.Policy(classifyVersion)
	if err != nil {
		return err
	}

	rows := make([]classifyRow, 0, len(args))
	for _, tag := range args {
		d := boundary.Classify(tag, p)
		row := classifyRow{Decision: d}
		if !d.Permitted() {
			row.Message = p.BoundaryMessage(d.Category)
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if classifyFormat == "json" {
		data, err := json.MarshalIndent(map[string]any{"version": p.Version, "decisions": rows}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tCATEGORY\tOUTCOME\tMESSAGE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Tag, r.Category, r.Outcome, r.Message)
	}
	return tw.Flush()
}
