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

package constants

import "time"

// Build and environment defaults.
const (
	// DefaultAppVersion is the version reported by builds without ldflags.
	DefaultAppVersion = "0.0.0-dev"

	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"
)

// Configuration defaults.
const (
	DefaultConfigPath = "/data/sib.yaml"

	// SupportedConfigVersions is the semver constraint a config file's version must satisfy.
	SupportedConfigVersions = ">= 1.0.0, < 2.0.0"

	DefaultSpaceName = "X"
)

// Broker defaults.
const (
	// DefaultIndicationWrapNum is the modulus at which subscription
	// sequence numbers wrap back to 1.
	DefaultIndicationWrapNum = 10000

	// DefaultSupportedProtocols is the semver constraint a joining KP's protocol version must satisfy.
	DefaultSupportedProtocols = ">= 1.0.0"

	// DefaultStarvationThreshold is how long queued work may wait for a
	// scheduler cycle before it is reported.
	DefaultStarvationThreshold = 10 * time.Second

	// StarvationCheckInterval is how often the starvation checker looks at the scheduler.
	StarvationCheckInterval = time.Second
)

// Store defaults.
const (
	DefaultStoreBackend   = "sqlite"
	DefaultStorePath      = "/data/sib.db"
	DefaultNodeCacheSize  = 16384
	DefaultStoreOpenTries = 5
)

// Gateway defaults.
const (
	DefaultGatewayAddr = ":10010"
	DefaultMetricsAddr = ":8081"

	// DefaultIndicationBacklogTTL bounds how long indications for a KP
	// without an open indication socket are kept.
	DefaultIndicationBacklogTTL = 5 * time.Minute

	// IndicationBacklogCullInterval is how often expired backlog entries are dropped.
	IndicationBacklogCullInterval = time.Minute

	// IndicationSendBuffer is the number of indications queued per open
	// indication socket before further ones go to the backlog.
	IndicationSendBuffer = 256

	// IndicationWriteTimeout bounds a single websocket write.
	IndicationWriteTimeout = 5 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the HTTP servers.
	ShutdownTimeout = 3 * time.Second
)
