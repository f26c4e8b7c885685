// Package setup registers the stdio MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ServerName is the key the server is registered under.
const ServerName = "stone-classifier"

// DataDirEnv is passed to the registered server so it finds its records.
const DataDirEnv = "STONE_DATA_DIR"

// ClientConfig is the subset of a desktop client's config file we edit.
// Other top-level keys are preserved.
type ClientConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
	extra      map[string]json.RawMessage
}

// MCPServerConfig represents a single MCP server configuration.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls Register.
type Options struct {
	ConfigPath string // client config file; empty uses DefaultConfigPath
	BinaryPath string // server executable; empty uses the running binary
	DataDir    string
}

// Status describes an existing registration.
type Status struct {
	ConfigPath string
	Registered bool
	Server     MCPServerConfig
	Issues     []string
}

// DefaultConfigPath returns the Claude Desktop config file for this OS.
func DefaultConfigPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "Claude", "claude_desktop_config.json"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LoadConfig reads a client config. A missing file yields an empty config.
func LoadConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		MCPServers: make(map[string]MCPServerConfig),
		extra:      make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.extra); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw, ok := cfg.extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(cfg.extra, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]MCPServerConfig)
	}
	return cfg, nil
}

// SaveConfig writes cfg back, keeping keys it does not manage.
func SaveConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := make(map[string]any, len(cfg.extra)+1)
	for k, v := range cfg.extra {
		out[k] = v
	}
	out["mcpServers"] = cfg.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Register adds or replaces the server entry and returns the config path used.
func Register(opts Options) (string, error) {
	path := opts.ConfigPath
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", err
		}
	}

	binary := opts.BinaryPath
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("could not determine server binary: %w", err)
		}
		binary = exe
	}
	binary, err := filepath.Abs(binary)
	if err != nil {
		return "", fmt.Errorf("resolving server binary: %w", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return "", err
	}

	server := MCPServerConfig{Command: binary}
	if opts.DataDir != "" {
		server.Env = map[string]string{DataDirEnv: opts.DataDir}
	}
	cfg.MCPServers[ServerName] = server

	return path, SaveConfig(path, cfg)
}

// GetStatus reports whether the server is registered in the config at path
// and whether the registered binary still exists.
func GetStatus(path string) (*Status, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	status := &Status{ConfigPath: path}
	server, ok := cfg.MCPServers[ServerName]
	if !ok {
		status.Issues = append(status.Issues, "server is not registered")
		return status, nil
	}

	status.Registered = true
	status.Server = server
	info, err := os.Stat(server.Command)
	switch {
	case err != nil:
		status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", server.Command))
	case info.Mode()&0111 == 0:
		status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", server.Command))
	}
	return status, nil
}
