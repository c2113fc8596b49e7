package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kago/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the resolved configuration",
	Long:  `Print the configuration after defaults, the config file, KAGO_* variables and flags are applied. Tokens are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		format, _ := cmd.Flags().GetString("output")
		return writeConfig(cmd.OutOrStdout(), redactConfigSecrets(c), format)
	},
}

func writeConfig(w io.Writer, c *config.Config, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	default:
		return fmt.Errorf("invalid output format: %s (supported: yaml, json)", format)
	}
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long:  `Write a commented default configuration to $HOME/.kago/config.yaml. An existing file is kept unless --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		out := cmd.OutOrStdout()
		path := filepath.Join(home, ".kago", "config.yaml")
		written, err := writeDefaultConfig(path, force)
		if err != nil {
			return err
		}
		if !written {
			fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", path)
			return nil
		}

		fmt.Fprintf(out, "✓ Initialized config at %s\n", path)
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintln(out, "1. Enable a transport (adapters.telegram, adapters.slack or adapters.cli)")
		fmt.Fprintln(out, "2. Export ANTHROPIC_API_KEY or CLAUDE_CODE_OAUTH_TOKEN for the workers")
		fmt.Fprintln(out, "3. Run 'kago daemon'")
		return nil
	},
}

// writeDefaultConfig reports false when path exists and force is unset.
func writeDefaultConfig(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	body := strings.TrimSpace(string(embeddedDefaultConfig)) + "\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		return false, fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return true, nil
}

// redactConfigSecrets returns a copy with every token masked.
func redactConfigSecrets(in *config.Config) *config.Config {
	if in == nil {
		return nil
	}
	out := *in
	for _, secret := range []*string{
		&out.Adapters.Slack.SigningSecret,
		&out.Adapters.Slack.BotToken,
		&out.Adapters.Telegram.BotToken,
	} {
		*secret = maskSecret(*secret)
	}
	return &out
}

// maskSecret keeps the first and last two characters of longer secrets.
func maskSecret(secret string) string {
	switch n := len(secret); {
	case n == 0:
		return ""
	case n <= 4:
		return "****"
	default:
		return secret[:2] + strings.Repeat("*", n-4) + secret[n-2:]
	}
}

func init() {
	configViewCmd.Flags().StringP("output", "o", "yaml", "output format (yaml, json)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")

	configCmd.AddCommand(configViewCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
