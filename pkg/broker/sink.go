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

package broker

// Indication is one subscription delta. Seq starts at 1 and wraps back to
// 1 at the configured modulus.
type Indication struct {
	SubscriptionID string `json:"subscriptionId"`
	Owner          string `json:"owner"`
	Added          Result `json:"added"`
	Removed        Result `json:"removed"`
	Seq            int    `json:"seq"`
}

// Sink receives indications. Deliver is called from the subscription's
// worker goroutine and may block it.
type Sink interface {
	Deliver(ind Indication)
}

// ChannelSink delivers indications on a channel.
type ChannelSink struct {
	ch chan Indication
}

// NewChannelSink returns a sink with the given buffer size. Deliver blocks
// while the buffer is full.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Indication, buffer)}
}

func (s *ChannelSink) Deliver(ind Indication) {
	s.ch <- ind
}

func (s *ChannelSink) C() <-chan Indication {
	return s.ch
}

type discardSink struct{}

func (discardSink) Deliver(Indication) {}
