package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage pulseq configuration",
	Long: sym.AM + ` am - Manage pulseq configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/pulseq/config.toml)
3. User config (~/.pulseq/am.toml)
4. Project config (./am.toml, searched up the directory tree)
5. Environment variables (PULSEQ_* prefix, e.g. PULSEQ_QUEUE_PAGE_SIZE)

Examples:
  pulseq am show                    # Show current configuration
  pulseq am show --format yaml      # Show configuration as YAML
  pulseq am get queue.poll_interval_ms
  pulseq am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g., database.path, queue.page_size)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are read",
	RunE:  runAmWhere,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	data, err := renderConfig(cfg, format)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), data)
	return nil
}

// renderConfig marshals cfg in one of the supported formats
func renderConfig(cfg *am.Config, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to JSON")
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to YAML")
		}
		return "# pulseq configuration\n" + string(data), nil

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to TOML")
		}
		return "# pulseq configuration\n" + string(data), nil
	}
	return "", errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	loaded := make(map[string]bool)
	for _, path := range am.LoadedFiles() {
		loaded[path] = true
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [DEFAULT]  built-in defaults")
	for _, path := range am.CandidatePaths() {
		state := "missing"
		if loaded[path] {
			state = "loaded"
		} else if _, err := os.Stat(path); err == nil {
			state = "present, not loaded"
		}
		fmt.Fprintf(out, "  [%s] %s\n", state, path)
	}
	fmt.Fprintln(out, "  [ENV]      PULSEQ_* environment variables")

	if active := am.ActiveConfigFile(); active != "" {
		fmt.Fprintf(out, "\nWatched by 'queue listen': %s\n", active)
	}
	return nil
}
