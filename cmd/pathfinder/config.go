package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Pathfinder configuration",
	Long:  "View or modify the Pathfinder CLI configuration stored in ~/.pathfinder/config.toml.\nPATHFINDER_TOKEN, PATHFINDER_USER_ID and PATHFINDER_BASE_URL (or a .env file) override it at runtime.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration the other commands will use: the config file with environment and .env overrides applied and the token masked.\nUse --raw to print the file exactly as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printConfigFile()
		}
		cfg, sources, err := loadEffectiveConfigWithSources()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg, sources)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func printConfigFile() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'pathfinder init <token> <user-id>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// renderConfig prints cfg as TOML with the token masked, followed by a
// comment block naming the keys that were overridden from the environment.
func renderConfig(cfg *Config, sources map[string]string) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	b.Write(data)
	if len(sources) > 0 {
		keys := make([]string, 0, len(sources))
		for k := range sources {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n# from the environment:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "#   %s <- %s\n", k, sources[k])
		}
	}
	return b.String(), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: pathfinder config set sync.poll_interval 5s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
