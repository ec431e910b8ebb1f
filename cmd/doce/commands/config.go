package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pablopunk/doce.dev-sub004/config"
	"github.com/pablopunk/doce.dev-sub004/errors"
)

// ConfigCmd shows and initializes configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and manage doce configuration",
	Long: `Show and manage doce configuration.

Configuration sources (in order of precedence):
1. Environment variables (DOCE_* prefix, e.g. DOCE_QUEUE_LEASE_MS)
2. Project config (nearest ./doce.toml walking up)
3. User config (~/.doce/config.toml)
4. System config (/etc/doce/config.toml)
5. Default values

--config <file> replaces the whole cascade with one file on top of the defaults.

Examples:
  doce config show                 # Effective configuration as TOML
  doce config show --format json
  doce config get queue.lease_ms
  doce config where                # Which files were found
  doce config init                 # Write defaults to ~/.doce/config.toml`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printConfig(cfg, configFormat)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get one configuration value (dot notation, e.g. queue.lease_ms)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := lookupKey(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are consulted",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.ConfigPaths()
		if ConfigFile != "" {
			paths = []string{ConfigFile}
		}
		pterm.DefaultSection.Println("Configuration files (lowest precedence first)")
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				pterm.Printf("  %s %s\n", pterm.FgGreen.Sprint("found  "), p)
			} else {
				pterm.Printf("  %s %s\n", pterm.FgGray.Sprint("missing"), p)
			}
		}
		if active := activeConfigFile(); active != "" {
			pterm.Println()
			pterm.Info.Printf("Watched by running workers: %s\n", active)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Long: `Write the default configuration as TOML. The default path is the user
config (~/.doce/config.toml). An existing file is rotated into .back1..3.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			userPath, err := config.UserConfigPath()
			if err != nil {
				return err
			}
			path = userPath
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return errors.NewConflictError("%s already exists (use --force to overwrite; the old file is kept as .back1)", path)
		}

		cfg, err := config.Defaults()
		if err != nil {
			return err
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
	ConfigCmd.AddCommand(configInitCmd)
}

func printConfig(cfg *config.Config, format string) error {
	var (
		out []byte
		err error
	)
	switch format {
	case "toml":
		out, err = config.Marshal(cfg)
	case "json":
		out, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		out, err = yaml.Marshal(cfg)
	default:
		return errors.NewInvalidRequestError("unknown format %q (want toml, json or yaml)", format)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to render config as %s", format)
	}
	fmt.Print(string(out))
	return nil
}

// lookupKey resolves a dotted key against the effective configuration using
// the same names the TOML files use.
func lookupKey(cfg *config.Config, key string) (any, error) {
	raw, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := toml.Unmarshal(raw, &tree); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	var node any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, errors.NewNotFoundError("configuration key %q is not set", key)
		}
		if node, ok = m[part]; !ok {
			return nil, errors.NewNotFoundError("configuration key %q is not set", key)
		}
	}
	return node, nil
}
