// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/smartspace/pkg/constants"
	"github.com/united-manufacturing-hub/smartspace/pkg/env"
)

const currentVersion = "1.0.0"

// Default returns a configuration with every field set to its default.
func Default() FullConfig {
	cfg := FullConfig{}
	cfg.ApplyDefaults()

	return cfg
}

// ApplyDefaults fills every zero-valued field.
func (c *FullConfig) ApplyDefaults() {
	if c.Version == "" {
		c.Version = currentVersion
	}

	if c.Space.Name == "" {
		c.Space.Name = constants.DefaultSpaceName
	}

	if c.Space.IndicationWrapNum == 0 {
		c.Space.IndicationWrapNum = constants.DefaultIndicationWrapNum
	}

	if c.Space.SupportedProtocols == "" {
		c.Space.SupportedProtocols = constants.DefaultSupportedProtocols
	}

	if c.Store.Backend == "" {
		c.Store.Backend = constants.DefaultStoreBackend
	}

	if c.Store.Path == "" && c.Store.Backend != StoreBackendMemory {
		c.Store.Path = constants.DefaultStorePath
	}

	if c.Store.CacheSize == 0 {
		c.Store.CacheSize = constants.DefaultNodeCacheSize
	}

	if c.Store.OpenTries == 0 {
		c.Store.OpenTries = constants.DefaultStoreOpenTries
	}

	if c.Gateway.Addr == "" {
		c.Gateway.Addr = constants.DefaultGatewayAddr
	}

	if c.Gateway.IndicationBacklogTTL == 0 {
		c.Gateway.IndicationBacklogTTL = constants.DefaultIndicationBacklogTTL
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = constants.DefaultMetricsAddr
	}

	if c.Starvation.Threshold == 0 {
		c.Starvation.Threshold = constants.DefaultStarvationThreshold
	}
}

// Validate reports every invalid field at once.
func (c FullConfig) Validate() error {
	var errs error

	version, err := semver.NewVersion(c.Version)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid config version %q: %w", c.Version, err))
	} else {
		supported, err := semver.NewConstraint(constants.SupportedConfigVersions)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid supported config constraint: %w", err))
		} else if !supported.Check(version) {
			errs = multierr.Append(errs, fmt.Errorf("config version %s is not supported (want %s)", c.Version, constants.SupportedConfigVersions))
		}
	}

	if c.Space.IndicationWrapNum < 2 {
		errs = multierr.Append(errs, fmt.Errorf("space.indicationWrapNum must be at least 2, got %d", c.Space.IndicationWrapNum))
	}

	if _, err := semver.NewConstraint(c.Space.SupportedProtocols); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid space.supportedProtocols %q: %w", c.Space.SupportedProtocols, err))
	}

	for prefix, base := range c.Space.Namespaces {
		if prefix == "" || base == "" {
			errs = multierr.Append(errs, fmt.Errorf("namespace %q -> %q must have a prefix and a base", prefix, base))
		}
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite, StoreBackendBadger:
		if c.Store.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("store.path is required for backend %s", c.Store.Backend))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Store.CacheSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("store.cacheSize must not be negative"))
	}

	for i, rule := range c.Protection.Rules {
		if rule.Subject == "" || rule.Predicate == "" || rule.Owner == "" {
			errs = multierr.Append(errs, fmt.Errorf("protection rule %d needs subject, predicate and owner", i))
		}
	}

	if c.Starvation.Threshold < 0 {
		errs = multierr.Append(errs, fmt.Errorf("starvation.threshold must not be negative"))
	}

	return errs
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. A missing file yields the defaults.
func Load(path string) (FullConfig, error) {
	var cfg FullConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return FullConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return FullConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return FullConfig{}, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from SIB_* environment variables.
func (c *FullConfig) ApplyEnv() error {
	var err, errs error

	c.Space.Name, err = env.GetAsString("SIB_SPACE_NAME", false, c.Space.Name)
	errs = multierr.Append(errs, err)

	c.Space.IndicationWrapNum, err = env.GetAsInt("SIB_INDICATION_WRAP_NUM", false, c.Space.IndicationWrapNum)
	errs = multierr.Append(errs, err)

	c.Space.RequireJoin, err = env.GetAsBool("SIB_REQUIRE_JOIN", false, c.Space.RequireJoin)
	errs = multierr.Append(errs, err)

	backend, err := env.GetAsString("SIB_STORE_BACKEND", false, string(c.Store.Backend))
	errs = multierr.Append(errs, err)
	c.Store.Backend = StoreBackend(backend)

	c.Store.Path, err = env.GetAsString("SIB_STORE_PATH", false, c.Store.Path)
	errs = multierr.Append(errs, err)

	c.Gateway.Enabled, err = env.GetAsBool("SIB_GATEWAY_ENABLED", false, c.Gateway.Enabled)
	errs = multierr.Append(errs, err)

	c.Gateway.Addr, err = env.GetAsString("SIB_GATEWAY_ADDR", false, c.Gateway.Addr)
	errs = multierr.Append(errs, err)

	c.Metrics.Addr, err = env.GetAsString("SIB_METRICS_ADDR", false, c.Metrics.Addr)
	errs = multierr.Append(errs, err)

	c.Sentry.DSN, err = env.GetAsString("SENTRY_DSN", false, c.Sentry.DSN)
	errs = multierr.Append(errs, err)

	c.Starvation.Threshold, err = env.GetAsDuration("SIB_STARVATION_THRESHOLD", false, c.Starvation.Threshold)
	errs = multierr.Append(errs, err)

	if errs != nil {
		return fmt.Errorf("failed to read environment overrides: %w", errs)
	}

	return nil
}
