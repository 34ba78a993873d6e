package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/hashicorp/go-multierror"
	"github.com/openai/openai-go/option"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// Backend describes an OpenAI-compatible chat completions endpoint.
// Everything except Name and Settings has a usable zero value.
type Backend struct {
	Name         string
	DefaultBase  string
	DefaultModel string
	// KeyHint tells the operator where the API key is read from.
	KeyHint  string
	Settings func(cfg *config.Config) config.ProviderConfig
	Options  []option.RequestOption
}

func (b Backend) validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(b.Settings(cfg).APIKey) == "" {
		return fmt.Errorf("%w: %s API key (set %s)", config.ErrMissingCredential, b.Name, b.KeyHint)
	}
	return nil
}

func (b Backend) build(cfg *config.Config) (StructuredProvider, error) {
	if err := b.validate(cfg); err != nil {
		return nil, err
	}
	pc := b.Settings(cfg)
	return newCompatProvider(b.Name,
		valueOr(pc.APIBase, b.DefaultBase),
		strings.TrimSpace(pc.APIKey),
		valueOr(pc.Model, b.DefaultModel),
		b.Options...,
	), nil
}

type registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	errs     *multierror.Error
}

var backends = &registry{backends: map[string]Backend{}}

func init() {
	Register(Backend{
		Name:         ProviderOpenAI,
		DefaultBase:  "https://api.openai.com/v1",
		DefaultModel: "gpt-4o",
		KeyHint:      "providers.openai.api_key, STEFAN_PROVIDERS_OPENAI_API_KEY or OPENAI_API_KEY",
		Settings:     func(cfg *config.Config) config.ProviderConfig { return cfg.Providers.OpenAI },
	})
	Register(Backend{
		Name:         ProviderOpenRouter,
		DefaultBase:  "https://openrouter.ai/api/v1",
		DefaultModel: "openai/gpt-4o",
		KeyHint:      "providers.openrouter.api_key or STEFAN_PROVIDERS_OPENROUTER_API_KEY",
		Settings:     func(cfg *config.Config) config.ProviderConfig { return cfg.Providers.OpenRouter },
		Options:      []option.RequestOption{option.WithHeader("X-Title", "stefan")},
	})
}

// Register adds a backend. A malformed backend is not fatal here; it poisons
// every later lookup so the problem surfaces on the first CreateProvider.
func Register(b Backend) {
	b.Name = NormalizeProviderName(b.Name)
	backends.mu.Lock()
	defer backends.mu.Unlock()
	if b.Settings == nil {
		backends.errs = multierror.Append(backends.errs, fmt.Errorf("providers: backend %q has no settings accessor", b.Name))
		return
	}
	backends.backends[b.Name] = b
}

func (r *registry) lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.errs.ErrorOrNil(); err != nil {
		return Backend{}, fmt.Errorf("provider registration failed: %w", err)
	}
	b, ok := r.backends[name]
	if !ok {
		return Backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(r.names(), ", "))
	}
	return b, nil
}

func (r *registry) names() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func SupportedProviders() []string {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	return backends.names()
}

func NormalizeProviderName(name string) string {
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		return name
	}
	return ProviderOpenAI
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenAI
	}
	return NormalizeProviderName(cfg.Agents.Provider)
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, err := backends.lookup(ActiveProviderName(cfg))
	if err != nil {
		return err
	}
	return b.validate(cfg)
}

// ProviderCredentialStatus reports the active provider and whether its
// credentials are present.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, err error) {
	name := ActiveProviderName(cfg)
	b, err := backends.lookup(name)
	if err != nil {
		return "", false, err
	}
	return name, b.validate(cfg) == nil, nil
}

func CreateProvider(cfg *config.Config) (StructuredProvider, error) {
	b, err := backends.lookup(ActiveProviderName(cfg))
	if err != nil {
		return nil, err
	}
	return b.build(cfg)
}

func valueOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
