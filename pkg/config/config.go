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
	"time"

	"github.com/tiendc/go-deepcopy"
)

// FullConfig is the broker configuration as read from the YAML file.
type FullConfig struct {
	Version    string           `yaml:"version"`
	Space      SpaceConfig      `yaml:"space"`
	Store      StoreConfig      `yaml:"store"`
	Protection ProtectionConfig `yaml:"protection,omitempty"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sentry     SentryConfig     `yaml:"sentry,omitempty"`
	Starvation StarvationConfig `yaml:"starvation,omitempty"`
}

type SpaceConfig struct {
	Name string `yaml:"name"`
	// IndicationWrapNum is the modulus of subscription sequence numbers.
	IndicationWrapNum int `yaml:"indicationWrapNum"`
	// RequireJoin rejects operations from KPs that have not joined.
	RequireJoin bool `yaml:"requireJoin,omitempty"`
	// SupportedProtocols is a semver constraint checked on join.
	SupportedProtocols string `yaml:"supportedProtocols"`
	// Namespaces maps prefixes to URI bases, in addition to the built-in ones.
	Namespaces map[string]string `yaml:"namespaces,omitempty"`
}

type StoreBackend string

const (
	StoreBackendSQLite StoreBackend = "sqlite"
	StoreBackendBadger StoreBackend = "badger"
	StoreBackendMemory StoreBackend = "memory"
)

type StoreConfig struct {
	Backend   StoreBackend `yaml:"backend"`
	Path      string       `yaml:"path"`
	CacheSize int          `yaml:"cacheSize"`
	OpenTries int          `yaml:"openTries"`
}

type ProtectionConfig struct {
	Rules []ProtectionRule `yaml:"rules,omitempty"`
}

// ProtectionRule reserves all triples with the given subject and predicate
// for one KP.
type ProtectionRule struct {
	Subject   string `yaml:"subject"`
	Predicate string `yaml:"predicate"`
	Owner     string `yaml:"owner"`
}

type GatewayConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Addr                 string        `yaml:"addr"`
	IndicationBacklogTTL time.Duration `yaml:"indicationBacklogTTL"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

type StarvationConfig struct {
	Threshold time.Duration `yaml:"threshold,omitempty"`
}

// Clone creates a deep copy of FullConfig
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig

	_ = deepcopy.Copy(&clone, &c)

	return clone
}
