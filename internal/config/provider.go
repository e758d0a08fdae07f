package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigUnavailable is returned (wrapped) when a provider cannot produce
// its values.
var ErrConfigUnavailable = errors.New("config unavailable")

// Provider returns a flat mapping of dotted config keys to values, for
// example "quarantine.bucket" -> "rejected-transactions".
type Provider interface {
	Values(ctx context.Context) (map[string]string, error)
}

// FileProvider reads a YAML document and flattens nested mappings into
// dotted keys.
type FileProvider struct {
	Path string
}

// Values implements Provider.
func (p FileProvider) Values(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigUnavailable, p.Path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigUnavailable, p.Path, err)
	}

	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// EnvProvider maps PREFIX_SECTION_KEY environment variables to
// "section.key". With prefix TXINGEST, TXINGEST_QUARANTINE_BUCKET becomes
// "quarantine.bucket".
type EnvProvider struct {
	Prefix string

	// Environ defaults to os.Environ.
	Environ func() []string
}

// Values implements Provider.
func (p EnvProvider) Values(ctx context.Context) (map[string]string, error) {
	environ := p.Environ
	if environ == nil {
		environ = os.Environ
	}
	prefix := strings.ToUpper(p.Prefix) + "_"

	out := make(map[string]string)
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		section, rest, ok := strings.Cut(strings.TrimPrefix(name, prefix), "_")
		if !ok || section == "" || rest == "" {
			continue
		}
		out[strings.ToLower(section)+"."+strings.ToLower(rest)] = value
	}
	return out, nil
}

// ChainProvider merges providers in order; later providers override earlier
// ones key by key.
type ChainProvider []Provider

// Values implements Provider.
func (c ChainProvider) Values(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range c {
		values, err := p.Values(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out, nil
}

// StaticProvider serves a fixed mapping.
type StaticProvider map[string]string

// Values implements Provider.
func (s StaticProvider) Values(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Keys returns the sorted keys of values, for diagnostics.
func Keys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
