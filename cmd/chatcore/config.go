package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chatcore-dev/chatcore"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the file as stored, secrets included")
}

// configField is one settable key. set receives the raw value; an empty
// value resets the field.
type configField struct {
	env    string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configFields = map[string]configField{
	"default.base_url": {
		env: "CHATCORE_BASE_URL",
		get: func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			if err := checkURL(v, "http", "https"); err != nil {
				return err
			}
			c.Default.BaseURL = v
			return nil
		},
	},
	"default.ws_url": {
		env: "CHATCORE_WS_URL",
		get: func(c *Config) string { return c.Default.WSURL },
		set: func(c *Config, v string) error {
			if err := checkURL(v, "ws", "wss"); err != nil {
				return err
			}
			c.Default.WSURL = v
			return nil
		},
	},
	"default.api_key": {
		env:    "CHATCORE_API_KEY",
		secret: true,
		get:    func(c *Config) string { return c.Default.APIKey },
		set:    func(c *Config, v string) error { c.Default.APIKey = v; return nil },
	},
	"default.page_size": {
		get: func(c *Config) string {
			if c.Default.PageSize == 0 {
				return ""
			}
			return strconv.Itoa(c.Default.PageSize)
		},
		set: func(c *Config, v string) error {
			if v == "" {
				c.Default.PageSize = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 100 {
				return fmt.Errorf("page_size must be an integer between 1 and 100, got %q", v)
			}
			c.Default.PageSize = n
			return nil
		},
	},
	"auth.token": {
		env:    "CHATCORE_TOKEN",
		secret: true,
		get:    func(c *Config) string { return c.Auth.Token },
		set: func(c *Config, v string) error {
			c.Auth.Token = v
			if v == "" {
				c.Auth.UserID = ""
				return nil
			}
			// A JWT names its subject; keep user_id in step with it.
			if claims, err := chatcore.ParseToken(v); err == nil && claims.UserID != "" {
				c.Auth.UserID = claims.UserID
			}
			return nil
		},
	},
	"auth.user_id": {
		get: func(c *Config) string { return c.Auth.UserID },
		set: func(c *Config, v string) error { c.Auth.UserID = v; return nil },
	},
	"auth.username": {
		get: func(c *Config) string { return c.Auth.Username },
		set: func(c *Config, v string) error { c.Auth.Username = v; return nil },
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupField(key string) (configField, error) {
	section, _, ok := strings.Cut(key, ".")
	if !ok {
		return configField{}, errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}
	if section != "default" && section != "auth" {
		return configField{}, fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	f, ok := configFields[key]
	if !ok {
		return configField{}, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return f, nil
}

// setConfigValue validates value and stores it under key.
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value for %s; use 'chatcore config unset %s'", key, key)
	}
	return f.set(cfg, value)
}

// unsetConfigValue resets key to its default.
func unsetConfigValue(cfg *Config, key string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	return f.set(cfg, "")
}

func checkURL(v string, schemes ...string) error {
	if v == "" {
		return nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", v, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid url %q: want %s://host/...", v, strings.Join(schemes, " or "))
}

// effectiveConfig renders the config the commands use, secrets masked, and
// the environment variables that override the file.
func effectiveConfig() (string, []string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	masked := *cfg
	if masked.Default.APIKey != "" {
		masked.Default.APIKey = maskToken(masked.Default.APIKey)
	}
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskToken(masked.Auth.Token)
	}
	data, err := toml.Marshal(&masked)
	if err != nil {
		return "", nil, fmt.Errorf("cannot marshal config: %w", err)
	}
	var overrides []string
	for _, key := range configKeys() {
		if env := configFields[key].env; env != "" && os.Getenv(env) != "" {
			overrides = append(overrides, fmt.Sprintf("%s from %s", key, env))
		}
	}
	return string(data), overrides, nil
}

var showRaw bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcore configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatcore/config.toml.\nKeys: " + strings.Join(configKeys(), ", "),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatcore login' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		out, overrides, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Print(out)
		for _, o := range overrides {
			fmt.Printf("# %s\n", o)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatcore config set default.base_url https://chat.example.com/v1",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		return updateConfig(func(cfg *Config) error {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
			shown := value
			if configFields[key].secret {
				shown = maskToken(value)
			}
			fmt.Printf("Set %s = %s\n", key, shown)
			if key == "auth.token" {
				warnExpiry(value)
			}
			return nil
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *Config) error {
			if err := unsetConfigValue(cfg, args[0]); err != nil {
				return err
			}
			fmt.Printf("Unset %s\n", args[0])
			return nil
		})
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// updateConfig applies fn to the stored config, without environment
// overrides, and saves it.
func updateConfig(fn func(*Config) error) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func warnExpiry(token string) {
	claims, err := chatcore.ParseToken(token)
	if err != nil || claims.ExpiresAt.IsZero() {
		return
	}
	if !claims.ExpiresAt.After(time.Now()) {
		fmt.Fprintf(os.Stderr, "warning: token expired at %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}
}
