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


// Package backends opens the configured store backend.
package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/badger"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/memory"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/sqlite"
)

const maxOpenInterval = 5 * time.Second

// Open opens the backend named in cfg, retrying with exponential backoff
// up to cfg.OpenTries times, and wraps it in the node cache when
// cfg.CacheSize is positive.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.SugaredLogger) (store.Store, error) {
	var s store.Store

	tries := cfg.OpenTries
	if tries < 1 {
		tries = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxOpenInterval

	operation := func() error {
		opened, err := openOnce(cfg, log)
		if err != nil {
			return err
		}

		s = opened

		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warnf("Failed to open %s store at %q, retrying in %s: %s", cfg.Backend, cfg.Path, wait, err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(tries-1)), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}

	if cfg.CacheSize <= 0 {
		return s, nil
	}

	cached, err := store.NewCachedStore(s, cfg.CacheSize)
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	return cached, nil
}

func openOnce(cfg config.StoreConfig, log *zap.SugaredLogger) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreBackendMemory:
		return memory.NewInMemoryStore(), nil
	case config.StoreBackendSQLite:
		return sqlite.NewSQLiteStore(cfg.Path)
	case config.StoreBackendBadger:
		badgerCfg := badger.DefaultConfig(cfg.Path)
		badgerCfg.Logger = log

		return badger.NewBadgerStore(badgerCfg)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unknown store backend %q", cfg.Backend))
	}
}
