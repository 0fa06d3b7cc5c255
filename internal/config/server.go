package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. TWELF_LSP_WASM_DEBUG.
const EnvPrefix = "TWELF_LSP"

type ServerConfig struct {
	// Directories scanned for guest bundles (one subdirectory per guest).
	GuestPaths []string `mapstructure:"guest_paths"`
	// Name of the guest to run.
	Guest string `mapstructure:"guest" validate:"required"`
	// A bare .wasm file to run instead of a bundle.
	WasmFile    string            `mapstructure:"wasm_file"`
	LogLevel    string            `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Wasm        WasmConfig        `mapstructure:"wasm"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"max=65536"`
	// Log every guest system call.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty keeps compiled code in memory.
	CacheDir string `mapstructure:"cache_dir"`
	// Guest call timeout (seconds). Zero disables it.
	ExecutionTimeout int `mapstructure:"execution_timeout" validate:"gte=0"`
	// Fail on stubbed system calls instead of ignoring them.
	StrictSyscalls bool `mapstructure:"strict_syscalls"`
}

// DiagnosticsConfig bounds what is reported per document.
type DiagnosticsConfig struct {
	// Maximum diagnostics per document. Zero means unlimited.
	MaxProblems int `mapstructure:"max_problems" validate:"gte=0"`
}

// RuntimeConfig converts to the Wasm runtime's configuration.
func (c WasmConfig) RuntimeConfig() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:      c.MemoryPages,
		DebugEnabled:     c.Debug,
		CacheDir:         c.CacheDir,
		ExecutionTimeout: time.Duration(c.ExecutionTimeout) * time.Second,
		StrictSyscalls:   c.StrictSyscalls,
	}
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("guest_paths", []string{"./guests"})
	v.SetDefault("guest", "twelf")
	v.SetDefault("wasm_file", "")
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.execution_timeout", 30)
	v.SetDefault("wasm.strict_syscalls", false)

	v.SetDefault("diagnostics.max_problems", 1000)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s fails '%s' (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
