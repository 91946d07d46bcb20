package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/cj/internal/faults"
	"github.com/ent0n29/cj/internal/sanitize"
)

var (
	sanitizeMarkers string
	sanitizeFormat  string
)

func init() {
	rootCmd.AddCommand(sanitizeCmd)
	sanitizeCmd.Flags().StringVar(&sanitizeMarkers, "markers", "", "Comma separated marker override, e.g. \"Thought,Final Answer=unwrap\"")
	sanitizeCmd.Flags().StringVarP(&sanitizeFormat, "format", "f", "text", "Output format (text|json)")
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize [file]",
	Short: "Strip reasoning traces, prompt sections and tool call JSON from a draft",
	Long: "Reads a draft reply from a file or stdin and prints what a merchant would see.\n\n" +
		"Exits non-zero when nothing conversational remains.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSanitize,
}

type sanitizeOutput struct {
	sanitize.Result
	FormatLeak bool `json:"format_leak"`
}

func runSanitize(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	draft, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	cfg := sanitize.DefaultConfig()
	if markers := sanitize.MarkersFromList(sanitizeMarkers); len(markers) > 0 {
		cfg.Markers = markers
	}
	s, err := sanitize.New(cfg)
	if err != nil {
		return err
	}

	res, serr := s.SanitizeDetailed(draft)
	var leak *faults.FormatLeakError
	if serr != nil && !errors.As(serr, &leak) {
		return serr
	}

	out := cmd.OutOrStdout()
	switch sanitizeFormat {
	case "json":
		data, err := json.MarshalIndent(sanitizeOutput{Result: res, FormatLeak: leak != nil}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		fmt.Fprintln(out, res.Text)
	}
	return serr
}
