package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/rueidis"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/caldertrail/mcpbridge"
)

type cliConfig struct {
	Redis struct {
		Address string `yaml:"address"`
	} `yaml:"redis"`
	SessionTTL         duration `yaml:"sessionTTL"`
	HTTPTimeout        duration `yaml:"httpTimeout"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`
	ModelConfigPath    string   `yaml:"modelConfigPath"`
}

// duration parses YAML values like "3h" or "30s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mcpbridge",
	Short: "Manage sessions against MCP tool servers",
	Long: `mcpbridge opens and drives sessions against Streamable-HTTP MCP servers.
Session state is shared through Redis with a sliding TTL, so a session id
printed by one invocation can be used by later ones until it expires.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(openCmd, infoCmd, callCmd, closeCmd)

	callCmd.Flags().String("args", "{}", "tool arguments as a JSON object")
	openCmd.Flags().String("caller-key", "", "reuse or create the session for this caller key")
}

func loadConfig() (*cliConfig, error) {
	cfg := &cliConfig{
		SessionTTL:  duration(mcpbridge.DefaultSessionTTL),
		HTTPTimeout: duration(30 * time.Second),
	}
	cfg.Redis.Address = "127.0.0.1:6379"

	if configPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// newManager wires a manager from the CLI config. The returned cleanup closes
// the manager's connections and the Redis client.
func newManager() (*mcpbridge.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{cfg.Redis.Address},
		DisableCache: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := mcpbridge.NewRedisSessionStore(client, mcpbridge.WithSessionTTL(time.Duration(cfg.SessionTTL)))

	options := []mcpbridge.ManagerOption{
		mcpbridge.WithTransportOptions(
			mcpbridge.WithSendTimeout(time.Duration(cfg.HTTPTimeout)),
			mcpbridge.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		),
	}
	if cfg.ModelConfigPath != "" {
		secret := []byte(os.Getenv("MCPBRIDGE_SECRET"))
		options = append(options, mcpbridge.WithModelConfigProvider(
			mcpbridge.NewFileModelConfigProvider(cfg.ModelConfigPath, secret)))
	}

	manager := mcpbridge.NewManager(store, mcpbridge.NewRegistry(), options...)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		client.Close()
	}
	return manager, cleanup, nil
}

var openCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Open a session against an MCP server and print its tool catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		callerKey, _ := cmd.Flags().GetString("caller-key")
		result, err := manager.EnsureSession(cmd.Context(), args[0], nil, callerKey)
		if err != nil {
			return err
		}
		if result.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", result.Warning)
		}
		return printJSON(result)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show session facts from the shared store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		info, err := manager.GetSessionInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <session-id> <tool>",
	Short: "Invoke a tool through an open session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		rawArgs, _ := cmd.Flags().GetString("args")
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("--args must be a valid JSON object")
		}

		result, err := manager.CallTool(cmd.Context(), args[0], args[1], json.RawMessage(rawArgs))
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session and remove it from the shared store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := manager.CloseSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
