package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
)

const (
	DefaultMultipartThreshold = 100 << 20
	DefaultCollisionRetries   = 2
	DefaultSyncSizeThreshold  = 2 << 30
	DefaultMaxWait            = 12 * time.Hour

	TransportPolling   = "http_polling"
	TransportWebsocket = "websocket"
)

// ConfigError reports a missing or malformed setting. It is never retried.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ProviderRef names one storage provider in the configuration.
type ProviderRef struct {
	StorageType   string `yaml:"storage_type"`
	ContainerName string `yaml:"container_name"`
}

// Kind parses the storage type.
func (r ProviderRef) Kind() (catalog.ProviderKind, error) {
	return catalog.ParseProviderKind(r.StorageType)
}

// ProviderMap maps local path prefixes to the providers that keep copies of
// files under them.
type ProviderMap map[string][]ProviderRef

// ProvidersFor returns the providers of the longest prefix matching localPath.
func (m ProviderMap) ProvidersFor(localPath string) ([]ProviderRef, error) {
	prefix, ok := longestPrefix(keys(m), localPath)
	if !ok {
		return nil, configErrorf("source_paths_to_storage_providers", "no storage providers mapped for %s", localPath)
	}
	return m[prefix], nil
}

// KeyMap maps, per storage type, local path prefixes to stored key prefixes.
type KeyMap map[string]map[string]string

// StoredPath substitutes the longest matching local prefix of localPath
// with its key prefix.
func (m KeyMap) StoredPath(kind catalog.ProviderKind, localPath string) (string, error) {
	table := m[kind.String()]
	prefix, ok := longestPrefix(keys(table), localPath)
	if !ok {
		return "", configErrorf("local_path_key_map", "no %s key mapping for %s", kind, localPath)
	}
	return table[prefix] + strings.TrimPrefix(localPath, prefix), nil
}

// FixityConfig configures the remote fixity service client.
type FixityConfig struct {
	HTTPBaseURL          string        `yaml:"http_base_url"`
	WSURL                string        `yaml:"ws_url"`
	AuthToken            string        `yaml:"auth_token"`
	HTTPTimeout          time.Duration `yaml:"http_timeout"`
	LongRunningTransport string        `yaml:"long_running_transport"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	StallTimeout         time.Duration `yaml:"stall_timeout"`
	MaxWait              time.Duration `yaml:"max_wait"`
	// SyncSizeThreshold is the object size from which the long-running
	// transport is used instead of a synchronous request.
	SyncSizeThreshold int64 `yaml:"sync_size_threshold"`
}

// AWSConfig configures the S3 backend.
type AWSConfig struct {
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	Timeout        time.Duration `yaml:"timeout"`
}

// GCPConfig configures the GCS backend.
type GCPConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Pipeline is the YAML configuration of the preservation pipeline.
type Pipeline struct {
	Providers          ProviderMap  `yaml:"source_paths_to_storage_providers"`
	KeyMap             KeyMap       `yaml:"local_path_key_map"`
	MultipartThreshold int64        `yaml:"multipart_threshold"`
	CollisionRetries   *int         `yaml:"collision_retries"`
	FixityAlgorithm    string       `yaml:"fixity_algorithm"`
	Fixity             FixityConfig `yaml:"fixity"`
	AWS                AWSConfig    `yaml:"aws"`
	GCP                GCPConfig    `yaml:"gcp"`
}

// Load reads, defaults and validates a pipeline configuration file.
func Load(file string) (*Pipeline, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var p Pipeline
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", file, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) applyDefaults() {
	if p.MultipartThreshold == 0 {
		p.MultipartThreshold = DefaultMultipartThreshold
	}
	if p.CollisionRetries == nil {
		n := DefaultCollisionRetries
		p.CollisionRetries = &n
	}
	if p.FixityAlgorithm == "" {
		p.FixityAlgorithm = checksum.SHA256.Name()
	}
	if p.Fixity.HTTPTimeout == 0 {
		p.Fixity.HTTPTimeout = 60 * time.Second
	}
	if p.Fixity.LongRunningTransport == "" {
		p.Fixity.LongRunningTransport = TransportPolling
	}
	if p.Fixity.PollInterval == 0 {
		p.Fixity.PollInterval = 2 * time.Second
	}
	if p.Fixity.StallTimeout == 0 {
		p.Fixity.StallTimeout = 2 * time.Minute
	}
	if p.Fixity.MaxWait == 0 {
		p.Fixity.MaxWait = DefaultMaxWait
	}
	if p.Fixity.SyncSizeThreshold == 0 {
		p.Fixity.SyncSizeThreshold = DefaultSyncSizeThreshold
	}
}

// Retries returns the configured number of collision retries.
func (p *Pipeline) Retries() int {
	if p.CollisionRetries == nil {
		return DefaultCollisionRetries
	}
	return *p.CollisionRetries
}

// Algorithm returns the fixity checksum algorithm.
func (p *Pipeline) Algorithm() (checksum.Algorithm, error) {
	alg, err := checksum.ParseAlgorithm(p.FixityAlgorithm)
	if err != nil {
		return 0, configErrorf("fixity_algorithm", "%v", err)
	}
	return alg, nil
}

// Validate checks the tables every stage depends on.
func (p *Pipeline) Validate() error {
	if len(p.Providers) == 0 {
		return configErrorf("source_paths_to_storage_providers", "at least one prefix is required")
	}
	for _, prefix := range keys(p.Providers) {
		if !path.IsAbs(prefix) {
			return configErrorf("source_paths_to_storage_providers", "prefix %q is not absolute", prefix)
		}
		if !strings.HasSuffix(prefix, "/") {
			return configErrorf("source_paths_to_storage_providers", "prefix %q must end with /", prefix)
		}
		if path.Clean(prefix)+"/" != prefix && prefix != "/" {
			return configErrorf("source_paths_to_storage_providers", "prefix %q is not a clean path", prefix)
		}
		refs := p.Providers[prefix]
		if len(refs) == 0 {
			return configErrorf("source_paths_to_storage_providers", "prefix %q has no providers", prefix)
		}
		for _, ref := range refs {
			if _, err := ref.Kind(); err != nil {
				return configErrorf("source_paths_to_storage_providers", "prefix %q: %v", prefix, err)
			}
			if ref.ContainerName == "" {
				return configErrorf("source_paths_to_storage_providers", "prefix %q: container_name is required", prefix)
			}
		}
	}

	for _, storageType := range keys(p.KeyMap) {
		if _, err := catalog.ParseProviderKind(storageType); err != nil {
			return configErrorf("local_path_key_map", "%v", err)
		}
		for _, prefix := range keys(p.KeyMap[storageType]) {
			if !strings.HasSuffix(prefix, "/") {
				return configErrorf("local_path_key_map", "%s prefix %q must end with /", storageType, prefix)
			}
		}
	}

	if p.MultipartThreshold < checksum.MinPartSize {
		return configErrorf("multipart_threshold", "must be at least %d bytes", checksum.MinPartSize)
	}
	if p.Retries() < 0 {
		return configErrorf("collision_retries", "must not be negative")
	}
	if _, err := p.Algorithm(); err != nil {
		return err
	}
	switch p.Fixity.LongRunningTransport {
	case TransportPolling, TransportWebsocket:
	default:
		return configErrorf("fixity.long_running_transport", "unknown transport %q", p.Fixity.LongRunningTransport)
	}
	if p.Fixity.MaxWait <= p.Fixity.HTTPTimeout {
		return configErrorf("fixity.max_wait", "must be longer than http_timeout (%s)", p.Fixity.HTTPTimeout)
	}
	return nil
}

// ProviderRefs returns every distinct provider named in the configuration.
func (p *Pipeline) ProviderRefs() []ProviderRef {
	seen := make(map[ProviderRef]bool)
	var out []ProviderRef
	for _, prefix := range keys(p.Providers) {
		for _, ref := range p.Providers[prefix] {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}

func longestPrefix(prefixes []string, s string) (string, bool) {
	best, found := "", false
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	return best, found
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
