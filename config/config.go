// Package config loads the YAML file describing the homeserver, backends
// and personas. Secrets are referenced by environment variable name and
// resolved once at load; the resulting Config is immutable after that.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Homeserver Homeserver         `yaml:"homeserver"`
	Global     Global             `yaml:"global"`
	RateLimit  RateLimit          `yaml:"rate_limit"`
	Triggers   Triggers           `yaml:"triggers"`
	Backends   map[string]Backend `yaml:"backends"`
	Personas   []Persona          `yaml:"personas"`
}

type Homeserver struct {
	URL string `yaml:"url"`
}

type Global struct {
	Window         int      `yaml:"window"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Retries        *int     `yaml:"retries"` // nil means default; 0 disables retries
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

type RateLimit struct {
	Capacity int     `yaml:"capacity"`
	Refill   float64 `yaml:"refill"` // tokens per second
	Notify   bool    `yaml:"notify"` // post a throttle notice instead of a silent drop
}

type Triggers struct {
	// Events older than MaxAge still enter history but never trigger a
	// dispatch, so resumed backlogs become context rather than replies.
	MaxAge Duration `yaml:"max_age"`
}

type Backend struct {
	Kind      string `yaml:"kind"` // "ollama" or "openai"
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"-"`
}

type Persona struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	User         string   `yaml:"user"`
	TokenEnv     string   `yaml:"token_env"`
	Token        string   `yaml:"-"`
	Backend      string   `yaml:"backend"`
	SystemPrompt string   `yaml:"system_prompt"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
}

// Load reads, defaults and resolves path. It does not validate personas;
// see Validate.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.resolveEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Global.Window <= 0 {
		c.Global.Window = 20
	}
	if c.Global.RequestTimeout <= 0 {
		c.Global.RequestTimeout = Duration(120 * time.Second)
	}
	if c.Global.Retries == nil {
		r := 2
		c.Global.Retries = &r
	} else if *c.Global.Retries < 0 {
		*c.Global.Retries = 0
	}
	if c.Global.RetryBackoff <= 0 {
		c.Global.RetryBackoff = Duration(time.Second)
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 10
	}
	if c.RateLimit.Refill <= 0 {
		c.RateLimit.Refill = 10.0 / 60.0
	}
	if c.Triggers.MaxAge <= 0 {
		c.Triggers.MaxAge = Duration(30 * time.Second)
	}

	for i := range c.Personas {
		p := &c.Personas[i]
		if p.DisplayName == "" {
			p.DisplayName = p.Name
		}
		if p.SystemPrompt == "" {
			p.SystemPrompt = fmt.Sprintf("You are %s, a helpful AI assistant.", p.DisplayName)
		}
		if p.MaxTokens <= 0 {
			p.MaxTokens = 2048
		}
		if p.Temperature == nil {
			t := 0.7
			p.Temperature = &t
		}
	}
}

func (c *Config) resolveEnv() {
	for name, b := range c.Backends {
		if b.APIKeyEnv != "" {
			b.APIKey = os.Getenv(b.APIKeyEnv)
			c.Backends[name] = b
		}
	}
	for i := range c.Personas {
		p := &c.Personas[i]
		if p.TokenEnv != "" {
			p.Token = os.Getenv(p.TokenEnv)
		}
	}
}

// Validate checks the global sections and partitions personas into those
// that may start and those rejected with a reason. A rejected persona
// never starts; it is not degraded at request time.
func (c *Config) Validate() (valid []Persona, rejected []error, err error) {
	if c.Homeserver.URL == "" {
		return nil, nil, fmt.Errorf("homeserver.url is required")
	}
	if len(c.Personas) == 0 {
		return nil, nil, fmt.Errorf("no personas defined")
	}

	for name, b := range c.Backends {
		switch b.Kind {
		case "ollama", "openai":
		default:
			return nil, nil, fmt.Errorf("backend %q: unknown kind %q", name, b.Kind)
		}
		if b.URL == "" {
			return nil, nil, fmt.Errorf("backend %q: url is required", name)
		}
		if b.Model == "" {
			return nil, nil, fmt.Errorf("backend %q: model is required", name)
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Personas {
		switch {
		case p.Name == "":
			rejected = append(rejected, fmt.Errorf("persona with user %q: name is required", p.User))
			continue
		case seen[p.Name]:
			rejected = append(rejected, fmt.Errorf("persona %q: duplicate name", p.Name))
			continue
		case p.User == "":
			rejected = append(rejected, fmt.Errorf("persona %q: user is required", p.Name))
			continue
		case p.Token == "":
			rejected = append(rejected, fmt.Errorf("persona %q: no credentials (set token_env and the variable it names)", p.Name))
			continue
		}

		b, ok := c.Backends[p.Backend]
		if !ok {
			rejected = append(rejected, fmt.Errorf("persona %q: backend %q is not defined", p.Name, p.Backend))
			continue
		}
		if b.Kind == "openai" && b.APIKeyEnv != "" && b.APIKey == "" {
			rejected = append(rejected, fmt.Errorf("persona %q: backend %q key env %s is not set", p.Name, p.Backend, b.APIKeyEnv))
			continue
		}

		seen[p.Name] = true
		valid = append(valid, p)
	}

	return valid, rejected, nil
}
