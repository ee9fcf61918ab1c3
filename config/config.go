// Package config loads operator settings for datastores from a yaml file,
// with environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/PlakarLabs/backupstore/prune"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g.
// BACKUPSTORE_GC_GRACE_PERIOD=26h. envconfig also falls back to the
// unprefixed name, so field names avoid common variables like PATH.
const EnvPrefix = "BACKUPSTORE"

const (
	DefaultGracePeriod   = 24*time.Hour + 5*time.Minute
	DefaultLockTimeout   = 10 * time.Second
	DefaultGCParallelism = 4
	DefaultMarkSet       = "memory"
)

type Logging struct {
	Info  bool   `yaml:"info" envconfig:"LOG_INFO"`
	Debug bool   `yaml:"debug" envconfig:"LOG_DEBUG"`
	Trace string `yaml:"trace" envconfig:"LOG_TRACE"`
}

type Datastore struct {
	Path          string            `yaml:"path" envconfig:"DATASTORE_PATH"`
	Chunks        string            `yaml:"chunks" envconfig:"CHUNK_LOCATION"`
	Compression   string            `yaml:"compression" envconfig:"CHUNK_COMPRESSION"`
	Passphrase    string            `yaml:"passphrase" envconfig:"DATASTORE_PASSPHRASE"`
	DigestMode    string            `yaml:"digest-mode" envconfig:"DIGEST_MODE"`
	GracePeriod   time.Duration     `yaml:"gc-grace-period" envconfig:"GC_GRACE_PERIOD"`
	GCParallelism int               `yaml:"gc-parallelism" envconfig:"GC_PARALLELISM"`
	MarkSet       string            `yaml:"gc-markset" envconfig:"GC_MARKSET"`
	PruneTimezone string            `yaml:"prune-timezone" envconfig:"PRUNE_TIMEZONE"`
	LockTimeout   time.Duration     `yaml:"lock-timeout" envconfig:"LOCK_TIMEOUT"`
	VerifySkip    bool              `yaml:"verify-skip-chunks" envconfig:"VERIFY_SKIP_CHUNKS"`
	Keep          prune.KeepOptions `yaml:"keep" ignored:"true"`
}

type Configuration struct {
	Logging    Logging              `yaml:"logging"`
	Default    string               `yaml:"default"`
	Datastores map[string]Datastore `yaml:"datastores"`
}

func New() *Configuration {
	return &Configuration{
		Datastores: make(map[string]Datastore),
	}
}

// Load reads the configuration file at path. A missing file yields an
// empty configuration.
func Load(path string) (*Configuration, error) {
	config := New()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if config.Datastores == nil {
		config.Datastores = make(map[string]Datastore)
	}
	return config, nil
}

func (c *Configuration) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Configuration) Names() []string {
	ret := make([]string, 0, len(c.Datastores))
	for name := range c.Datastores {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// LoggingSettings returns the logging section with environment overrides
// applied.
func (c *Configuration) LoggingSettings() (Logging, error) {
	settings := c.Logging
	if err := envconfig.Process(EnvPrefix, &settings); err != nil {
		return Logging{}, err
	}
	return settings, nil
}

// Datastore resolves the named datastore, or the default one when name
// is empty. Environment overrides and defaults are applied and the
// result is validated.
func (c *Configuration) Datastore(name string) (Datastore, error) {
	if name == "" {
		name = c.Default
	}

	ds, exists := c.Datastores[name]
	if name != "" && !exists {
		return Datastore{}, fmt.Errorf("datastore %q is not configured", name)
	}
	if err := envconfig.Process(EnvPrefix, &ds); err != nil {
		return Datastore{}, err
	}
	ds.applyDefaults()
	if err := ds.Validate(); err != nil {
		return Datastore{}, err
	}
	return ds, nil
}

func (ds *Datastore) applyDefaults() {
	if ds.GracePeriod == 0 {
		ds.GracePeriod = DefaultGracePeriod
	}
	if ds.GCParallelism == 0 {
		ds.GCParallelism = DefaultGCParallelism
	}
	if ds.MarkSet == "" {
		ds.MarkSet = DefaultMarkSet
	}
	if ds.LockTimeout == 0 {
		ds.LockTimeout = DefaultLockTimeout
	}
}

func (ds Datastore) Validate() error {
	if ds.Path == "" {
		return fmt.Errorf("datastore path is not set")
	}
	if ds.GracePeriod < 0 {
		return fmt.Errorf("negative gc grace period %s", ds.GracePeriod)
	}
	if ds.GCParallelism < 0 {
		return fmt.Errorf("negative gc parallelism %d", ds.GCParallelism)
	}
	if _, err := ds.Location(); err != nil {
		return err
	}
	return ds.Keep.Validate()
}

// Location returns the time zone used to compute prune periods.
func (ds Datastore) Location() (*time.Location, error) {
	if ds.PruneTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(ds.PruneTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid prune timezone %q: %w", ds.PruneTimezone, err)
	}
	return loc, nil
}
