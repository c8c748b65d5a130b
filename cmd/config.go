package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ragdesk_back/api"
	"ragdesk_back/config"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
		}
		if err := config.Default().Save(cfgFile); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfgFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after env overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redacted := *cfg
		redacted.Auth.JWTSecret = redact(cfg.Auth.JWTSecret)
		redacted.Embedding.APIKey = redact(cfg.Embedding.APIKey)
		redacted.LLM.APIKey = redact(cfg.LLM.APIKey)
		redacted.Vector.QdrantAPIKey = redact(cfg.Vector.QdrantAPIKey)
		redacted.Storage.Minio.SecretKey = redact(cfg.Storage.Minio.SecretKey)
		redacted.Redis.Password = redact(cfg.Redis.Password)
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

var (
	tokenUsername string
	tokenLifetime bool
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign an API bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, expires, err := api.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Realm, args[0], tokenUsername)
		if err != nil {
			return err
		}
		fmt.Println(token)
		if tokenLifetime {
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "username claim")
	tokenCmd.Flags().BoolVar(&tokenLifetime, "show-expiry", false, "print the expiry time to stderr")
	rootCmd.AddCommand(configCmd, tokenCmd)
}
