package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/cj/internal/boundary"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyCheckCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect boundary policy files",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <policy.yaml>...",
	Short: "Validate boundary policy files",
	Long: "Parses each file, compiles every version and prints its versions and\n" +
		"content hash. Exits non-zero if any file is invalid.",
	Args: cobra.MinimumNArgs(1),
	RunE: runPolicyCheck,
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		reg, err := boundary.ParseRegistry(data)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "ok   %s default=%s versions=%v %s\n", path, reg.DefaultVersion, reg.Versions(), reg.Hash())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d policy files invalid", failed, len(args))
	}
	return nil
}
