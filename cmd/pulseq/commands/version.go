package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show pulseq version information",
	Long: `Display version, build time, commit hash, and platform information.

With --require the command fails unless the binary satisfies the semver
constraint, which deploy scripts use to check a host before enqueueing:

  pulseq version --require ">= 1.2"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		constraint, _ := cmd.Flags().GetString("require")
		out := cmd.OutOrStdout()

		info := version.Get()

		if constraint != "" {
			ok, err := info.Satisfies(constraint)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Newf("pulseq %s does not satisfy %s", info.Version, constraint)
			}
		}

		if jsonOutput {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to format version info")
			}
			fmt.Fprintln(out, string(output))
			return nil
		}
		fmt.Fprintln(out, info.String())
		fmt.Fprintf(out, "Platform: %s\n", info.Platform)
		fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
	VersionCmd.Flags().String("require", "", "Fail unless the version satisfies this semver constraint")
}
