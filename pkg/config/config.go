package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	LLM        LLMConfig        `koanf:"llm"`
	Providers  ProvidersConfig  `koanf:"providers"`
	Limits     LimitsConfig     `koanf:"limits"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Retry      RetryConfig      `koanf:"retry"`
	Generation GenerationConfig `koanf:"generation"`
	Fallback   FallbackConfig   `koanf:"fallback"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Store      StoreConfig      `koanf:"store"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

// LLMConfig carries the token budgets per request kind. Input budgets bound
// the prompt, output budgets bound the completion.
type LLMConfig struct {
	MaxInputTokensGenerate  int `koanf:"max_input_tokens_generate"`
	MaxOutputTokensGenerate int `koanf:"max_output_tokens_generate"`
	MaxInputTokensCleanup   int `koanf:"max_input_tokens_cleanup"`
	MaxOutputTokensCleanup  int `koanf:"max_output_tokens_cleanup"`
}

// ProvidersConfig holds per-provider credentials and the shared concurrency
// and rate maps keyed by provider id.
type ProvidersConfig struct {
	Concurrency map[string]int `koanf:"concurrency"`
	RPM         map[string]int `koanf:"rpm"`

	Gemini ProviderConfig `koanf:"gemini"`
	Claude ProviderConfig `koanf:"claude"`
	Qwen   ProviderConfig `koanf:"qwen"`
}

// ByName resolves one of the known provider blocks.
func (p ProvidersConfig) ByName(name string) (ProviderConfig, bool) {
	switch name {
	case "gemini":
		return p.Gemini, true
	case "claude":
		return p.Claude, true
	case "qwen":
		return p.Qwen, true
	}
	return ProviderConfig{}, false
}

type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
}

type LimitsConfig struct {
	MaxInflightPerTenant int `koanf:"max_inflight_per_tenant"`
}

type BreakerConfig struct {
	Failures          int `koanf:"failures"`
	WindowSeconds     int `koanf:"window_seconds"`
	OpenSeconds       int `koanf:"open_seconds"`
	HalfOpenMaxTrials int `koanf:"half_open_max_trials"`
}

type RetryConfig struct {
	Jitter           float64 `koanf:"jitter"`
	CapSeconds       float64 `koanf:"cap_seconds"`
	RateLimitRetries int     `koanf:"rate_limit_retries"`
	TransientRetries int     `koanf:"transient_retries"`
}

type GenerationConfig struct {
	InterSectionDelaySeconds float64 `koanf:"inter_section_delay_seconds"`
	TimeoutSeconds           float64 `koanf:"timeout_seconds"`
	ProbeTimeoutSeconds      float64 `koanf:"probe_timeout_seconds"`
}

// FallbackConfig holds the provider chains as comma-separated lists. The
// router parses and normalizes them.
type FallbackConfig struct {
	ChainGenerate string `koanf:"chain_generate"`
	ChainCleanup  string `koanf:"chain_cleanup"`
	OnQuota       bool   `koanf:"on_quota"`
}

type TelemetryConfig struct {
	Enabled      bool              `koanf:"enabled"`
	Exporter     string            `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string            `koanf:"otlp_endpoint"`
	OTLPHeaders  map[string]string `koanf:"otlp_headers"`
	OTLPUser     string            `koanf:"otlp_user"`
	OTLPToken    string            `koanf:"otlp_token"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

// APIKeys returns every configured credential. Used to seed the trace
// redactor so keys never reach the event stream.
func (c *Config) APIKeys() []string {
	keys := make([]string, 0, 3)
	for _, p := range []ProviderConfig{c.Providers.Gemini, c.Providers.Claude, c.Providers.Qwen} {
		if p.APIKey != "" {
			keys = append(keys, p.APIKey)
		}
	}
	return keys
}

func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile loads path and overlays the profile variant next to it
// (config.yaml + profile "dev" -> config.dev.yaml) when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration honoring --config, --profile (alias
// --env) and repeated --set key=value overrides. Overrides win over every
// other source.
func LoadWithCLI(args []string) (*Config, error) {
	ov, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(ov.ConfigPath, ov.Profile, ov.Sets)
}

func load(path, profile string, sets []string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file. YAML is a superset of JSON, so .json files parse
	// through the same parser.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}
	if pp := profileConfigPath(path, profile); pp != "" {
		if err := k.Load(file.Provider(pp), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV. Double underscore separates nesting levels so
	// snake_case keys survive: ESCRIBA_RETRY__CAP_SECONDS -> retry.cap_seconds.
	if err := k.Load(env.Provider("ESCRIBA_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "ESCRIBA_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// 3. CLI --set overrides.
	for _, kv := range sets {
		key, value, _ := strings.Cut(kv, "=")
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("providers.concurrency.gemini", 3)
	k.Set("providers.concurrency.claude", 3)
	k.Set("providers.concurrency.qwen", 3)
	k.Set("providers.rpm.gemini", 60)
	k.Set("providers.rpm.claude", 60)
	k.Set("providers.rpm.qwen", 60)
	k.Set("providers.gemini.model", "gemini-2.5-flash")
	k.Set("providers.claude.model", "claude-3-5-haiku-latest")
	k.Set("providers.qwen.model", "qwen-plus")
	k.Set("providers.qwen.base_url", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1")

	k.Set("limits.max_inflight_per_tenant", 2)

	k.Set("breaker.failures", 5)
	k.Set("breaker.window_seconds", 60)
	k.Set("breaker.open_seconds", 120)
	k.Set("breaker.half_open_max_trials", 2)

	k.Set("retry.jitter", 0.3)
	k.Set("retry.cap_seconds", 30.0)
	k.Set("retry.rate_limit_retries", 2)
	k.Set("retry.transient_retries", 1)

	k.Set("generation.inter_section_delay_seconds", 2.0)
	k.Set("generation.timeout_seconds", 45.0)
	k.Set("generation.probe_timeout_seconds", 8.0)

	k.Set("fallback.chain_generate", "gemini,claude")
	k.Set("fallback.chain_cleanup", "gemini,claude,DEGRADED")
	k.Set("fallback.on_quota", true)

	k.Set("llm.max_input_tokens_generate", 6000)
	k.Set("llm.max_output_tokens_generate", 1400)
	k.Set("llm.max_input_tokens_cleanup", 4000)
	k.Set("llm.max_output_tokens_cleanup", 1200)

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")

	k.Set("store.path", "escriba.db")
}

// cliOverrides holds the configuration-related flags a command line may
// carry. Unknown flags are ignored so commands can define their own.
type cliOverrides struct {
	ConfigPath string
	Profile    string
	Sets       []string
}

func parseCLIOverrides(args []string) (*cliOverrides, error) {
	ov := &cliOverrides{}
	for i := 0; i < len(args); i++ {
		name, value, inline := splitFlag(args[i])
		switch name {
		case "--config", "--profile", "--env", "--set":
			if !inline {
				i++
				if i >= len(args) {
					return nil, fmt.Errorf("flag %s requires a value", name)
				}
				value = args[i]
			}
		default:
			continue
		}
		switch name {
		case "--config":
			ov.ConfigPath = value
		case "--profile", "--env":
			ov.Profile = value
		case "--set":
			if !strings.Contains(value, "=") {
				return nil, fmt.Errorf("--set expects key=value, got %q", value)
			}
			ov.Sets = append(ov.Sets, value)
		}
	}
	return ov, nil
}

func splitFlag(arg string) (name, value string, inline bool) {
	if strings.HasPrefix(arg, "--") {
		if i := strings.Index(arg, "="); i >= 0 {
			return arg[:i], arg[i+1:], true
		}
	}
	return arg, "", false
}

// profileConfigPath returns the profile variant of base when both are set
// and the file exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	dir := filepath.Dir(base)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	path := filepath.Join(dir, name+"."+profile+ext)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
