package fallback

import (
	"fmt"
	"io"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// ChainSet is a parsed chain file.
type ChainSet struct {
	Settings Settings
	Chains   map[string]Chain
}

// StepConfig is one level as written in a chain file. Type selects the step
// kind; "mcp" and an empty type are accepted as aliases for "remote".
type StepConfig struct {
	Type              string  `mapstructure:"type" json:"type"`
	MCP               string  `mapstructure:"mcp" json:"mcp"`
	Server            string  `mapstructure:"server" json:"server"`
	Tool              string  `mapstructure:"tool" json:"tool"`
	TimeoutMS         int     `mapstructure:"timeout_ms" json:"timeout_ms"`
	Path              string  `mapstructure:"path" json:"path"`
	MaxAgeHours       float64 `mapstructure:"max_age_hours" json:"max_age_hours"`
	Method            string  `mapstructure:"method" json:"method"`
	Script            string  `mapstructure:"script" json:"script"`
	Interpreter       string  `mapstructure:"interpreter" json:"interpreter"`
	Queue             string  `mapstructure:"queue" json:"queue"`
	Message           string  `mapstructure:"message" json:"message"`
	Value             any     `mapstructure:"value" json:"value"`
	Warning           string  `mapstructure:"warning" json:"warning"`
	ConfidencePenalty float64 `mapstructure:"confidence_penalty" json:"confidence_penalty"`
}

type settingsConfig struct {
	LogFallbacks  bool    `mapstructure:"log_fallbacks" json:"log_fallbacks"`
	MaxRetries    int     `mapstructure:"max_retries" json:"max_retries"`
	RetryDelayMS  int     `mapstructure:"retry_delay_ms" json:"retry_delay_ms"`
	MinConfidence float64 `mapstructure:"min_confidence" json:"min_confidence"`
	LogPath       string  `mapstructure:"log_path" json:"log_path"`
}

type fileConfig struct {
	GlobalSettings settingsConfig                   `mapstructure:"global_settings" json:"global_settings"`
	FallbackChains map[string]map[string]StepConfig `mapstructure:"fallback_chains" json:"fallback_chains"`
}

// keyDelimiter keeps dotted operation names intact.
const keyDelimiter = "::"

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	defaults := DefaultSettings()
	v.SetDefault("global_settings::log_fallbacks", defaults.LogFallbacks)
	v.SetDefault("global_settings::retry_delay_ms", defaults.RetryDelay.Milliseconds())
	v.SetDefault("global_settings::min_confidence", defaults.MinConfidence)
	v.SetDefault("global_settings::log_path", defaults.LogPath)
	return v
}

// LoadChains reads a chain file. The format follows the file extension
// (yaml, json, toml). Operation names come back lowercased.
func LoadChains(path string) (*ChainSet, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read fallback chains: %w", err)
	}
	return decode(v)
}

// ParseChains reads a chain document of the given format from r.
func ParseChains(r io.Reader, format string) (*ChainSet, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read fallback chains: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*ChainSet, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fallback chains: %w", err)
	}

	if err := fc.GlobalSettings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid global_settings: %w", err)
	}

	set := &ChainSet{
		Settings: Settings{
			LogFallbacks:  fc.GlobalSettings.LogFallbacks,
			MaxRetries:    fc.GlobalSettings.MaxRetries,
			RetryDelay:    time.Duration(fc.GlobalSettings.RetryDelayMS) * time.Millisecond,
			MinConfidence: fc.GlobalSettings.MinConfidence,
			LogPath:       fc.GlobalSettings.LogPath,
		},
		Chains: make(map[string]Chain, len(fc.FallbackChains)),
	}

	ops := make([]string, 0, len(fc.FallbackChains))
	for op := range fc.FallbackChains {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		levels := fc.FallbackChains[op]
		if len(levels) == 0 {
			return nil, fmt.Errorf("fallback_chains.%s: no levels defined", op)
		}

		chain := make(Chain, len(levels))
		for name, sc := range levels {
			level, err := ParseLevel(name)
			if err != nil {
				return nil, fmt.Errorf("fallback_chains.%s: %w", op, err)
			}
			if err := sc.Validate(); err != nil {
				return nil, fmt.Errorf("fallback_chains.%s.%s: %w", op, name, err)
			}
			chain[level] = sc.Step()
		}
		set.Chains[op] = chain
	}

	return set, nil
}

// Validate checks the global settings.
func (s settingsConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.MaxRetries, validation.Min(0)),
		validation.Field(&s.RetryDelayMS, validation.Min(0)),
		validation.Field(&s.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (c StepConfig) kind() string {
	switch c.Type {
	case "", "mcp":
		return KindRemote
	default:
		return c.Type
	}
}

// Validate checks the fields required by the step type.
func (c StepConfig) Validate() error {
	rules := []*validation.FieldRules{
		validation.Field(&c.ConfidencePenalty, validation.Min(0.0), validation.Max(1.0)),
	}

	switch c.kind() {
	case KindRemote:
		rules = append(rules,
			validation.Field(&c.Server, validation.When(c.MCP == "", validation.Required.Error("mcp or server is required"))),
			validation.Field(&c.Tool, validation.Required),
			validation.Field(&c.TimeoutMS, validation.Min(0)),
		)
	case KindCache:
		rules = append(rules,
			validation.Field(&c.Path, validation.Required),
			validation.Field(&c.MaxAgeHours, validation.Min(0.0)),
		)
	case KindHeuristic:
		methods := HeuristicMethods()
		allowed := make([]interface{}, len(methods))
		for i, m := range methods {
			allowed[i] = m
		}
		rules = append(rules,
			validation.Field(&c.Method, validation.Required, validation.In(allowed...)),
		)
	case KindLocalScript:
		rules = append(rules,
			validation.Field(&c.Script, validation.Required),
			validation.Field(&c.TimeoutMS, validation.Min(0)),
		)
	case KindEscalate:
		rules = append(rules,
			validation.Field(&c.Queue, validation.Required),
			validation.Field(&c.Message, validation.Required),
		)
	case KindDefault:
	default:
		return fmt.Errorf("unknown step type %q", c.Type)
	}

	return validation.ValidateStruct(&c, rules...)
}

// Step builds the executable step. Call Validate first.
func (c StepConfig) Step() Step {
	timeout := time.Duration(c.TimeoutMS) * time.Millisecond

	switch c.kind() {
	case KindCache:
		return CacheLookup{
			Path:              c.Path,
			MaxAge:            time.Duration(c.MaxAgeHours * float64(time.Hour)),
			ConfidencePenalty: c.ConfidencePenalty,
		}
	case KindHeuristic:
		return Heuristic{Method: c.Method, ConfidencePenalty: c.ConfidencePenalty}
	case KindLocalScript:
		return LocalScript{
			Script:            c.Script,
			Interpreter:       c.Interpreter,
			Timeout:           timeout,
			ConfidencePenalty: c.ConfidencePenalty,
		}
	case KindEscalate:
		return Escalate{Queue: c.Queue, Message: c.Message, ConfidencePenalty: c.ConfidencePenalty}
	case KindDefault:
		return Default{Value: c.Value, Warning: c.Warning, ConfidencePenalty: c.ConfidencePenalty}
	default:
		server := c.Server
		if server == "" {
			server = c.MCP
		}
		return RemoteCall{Server: server, Tool: c.Tool, Timeout: timeout, ConfidencePenalty: c.ConfidencePenalty}
	}
}
