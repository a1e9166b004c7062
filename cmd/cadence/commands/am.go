package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage cadence configuration",
	Long: `Display and manage cadence configuration.

Configuration sources (in order of precedence):
1. Environment variables (CADENCE_* prefix, e.g. CADENCE_ENGINE_WORKERS)
2. Project config (./cadence.toml, searched up the directory tree)
3. User config (~/.cadence/cadence.toml)
4. System config (/etc/cadence/cadence.toml)
5. Default values

Examples:
  cadence am show                  # Show current configuration
  cadence am show --format json    # Show configuration in JSON format
  cadence am init                  # Write defaults to ./cadence.toml
  cadence am validate              # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Run: func(cmd *cobra.Command, args []string) {
		rows := [][]string{{"Level", "Path", "Present"}}
		add := func(level, path string) {
			if path == "" {
				rows = append(rows, []string{level, "-", "no"})
				return
			}
			present := "no"
			if _, err := os.Stat(path); err == nil {
				present = "yes"
			}
			rows = append(rows, []string{level, path, present})
		}
		add("system", "/etc/cadence/"+am.ConfigFileName)
		add("user", am.UserConfigPath())
		add("project", am.FindProjectConfig())
		pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

		if active := am.ActiveConfigFile(); active != "" {
			pterm.Info.Printf("Watched for hot reload: %s\n", active)
		} else {
			pterm.Info.Println("No config file found; running on defaults and CADENCE_* variables")
		}
	},
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := am.ConfigFileName
		if len(args) == 1 {
			path = args[0]
		}
		if err := am.WriteDefaultConfig(path, amInitForce); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

var (
	configFormat string
	amInitForce  bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&amInitForce, "force", false, "Overwrite an existing file (keeps a .back1 backup)")

	AmCmd.AddCommand(amShowCmd, amValidateCmd, amWhereCmd, amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# cadence configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# cadence configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}
