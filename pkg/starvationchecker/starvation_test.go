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

package starvationchecker

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeBacklog struct {
	since  time.Time
	mu     sync.Mutex
	parked int
}

func (f *fakeBacklog) PendingSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.since
}

func (f *fakeBacklog) Parked() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.parked
}

func (f *fakeBacklog) set(since time.Time, parked int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.since = since
	f.parked = parked
}

var _ = Describe("StarvationChecker", func() {
	var (
		checker *StarvationChecker
		backlog *fakeBacklog
	)

	BeforeEach(func() {
		backlog = &fakeBacklog{}
		checker = newStarvationChecker(100*time.Millisecond, 10*time.Millisecond, backlog)
	})

	AfterEach(func() {
		checker.Stop()
	})

	Describe("check", func() {
		It("does not report an idle scheduler", func() {
			time.Sleep(150 * time.Millisecond)

			Expect(checker.check()).To(BeZero())
		})

		It("does not report a wake younger than the threshold", func() {
			backlog.set(time.Now(), 0)

			Expect(checker.check()).To(BeZero())
		})

		It("reports a wake older than the threshold", func() {
			backlog.set(time.Now().Add(-time.Second), 3)

			Expect(checker.check()).To(BeNumerically(">=", time.Second))
		})
	})

	Describe("cycle hook", func() {
		It("records the last cycle time", func() {
			initial := checker.GetLastCycleTime()
			time.Sleep(20 * time.Millisecond)

			now := time.Now()
			checker.UpdateLastCycleTime(now)

			Expect(checker.GetLastCycleTime()).To(BeTemporally(">", initial))
			Expect(checker.GetLastCycleTime()).To(Equal(now))
		})
	})

	Describe("Stop", func() {
		It("stops the background loop", func() {
			backlog.set(time.Now().Add(-time.Second), 0)
			checker.Stop()

			// A second Stop on a stopped checker returns immediately.
			done := make(chan struct{})
			go func() {
				defer close(done)
				checker.Stop()
			}()

			Eventually(done).Should(BeClosed())
		})
	})
})
