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

package gateway

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/constants"
	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
)

// indicationBody is the wire form of a broker.Indication.
type indicationBody struct {
	Added          *resultBody `json:"added"`
	Removed        *resultBody `json:"removed"`
	SubscriptionID string      `json:"subscriptionId"`
	Seq            int         `json:"seq"`
}

func newIndicationBody(ind broker.Indication) indicationBody {
	return indicationBody{
		SubscriptionID: ind.SubscriptionID,
		Seq:            ind.Seq,
		Added:          newResultBody(ind.Added),
		Removed:        newResultBody(ind.Removed),
	}
}

// backlog holds indications for a KP without an open socket, or those that
// did not fit its send buffer.
type backlog struct {
	items []broker.Indication
	mu    sync.Mutex
}

func (b *backlog) push(ind broker.Indication) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, ind)
}

func (b *backlog) take() []broker.Indication {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil

	return items
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.items)
}

// socket is one open indication websocket of a KP.
type socket struct {
	conn    *websocket.Conn
	send    chan broker.Indication
	closed  chan struct{}
	log     *zap.SugaredLogger
	kp      string
	closeMu sync.Once
}

func (s *socket) close() {
	s.closeMu.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Indications routes indications to the KP's open websocket, or into a
// per-KP backlog that expires when no socket picks it up in time. It
// implements broker.Sink.
type Indications struct {
	sockets map[string]*socket
	backlog *expiremap.ExpireMap[string, *backlog]
	log     *zap.SugaredLogger
	mu      sync.Mutex
}

// NewIndications creates a router whose backlog entries expire ttl after
// the last indication was added.
func NewIndications(ttl time.Duration) *Indications {
	if ttl == 0 {
		ttl = constants.DefaultIndicationBacklogTTL
	}

	return &Indications{
		sockets: make(map[string]*socket),
		backlog: expiremap.NewEx[string, *backlog](constants.IndicationBacklogCullInterval, ttl),
		log:     logger.For(logger.ComponentIndications),
	}
}

// Deliver implements broker.Sink. It never blocks on the network.
func (i *Indications) Deliver(ind broker.Indication) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.route(ind)
}

// route queues ind on the owner's socket or keeps it. While a backlog is
// pending for an open socket new indications queue behind it, so the
// socket sees them in order. Callers hold mu.
func (i *Indications) route(ind broker.Indication) {
	if s, ok := i.sockets[ind.Owner]; ok && !i.pending(ind.Owner) {
		select {
		case s.send <- ind:
			return
		default:
			i.log.Warnf("Indication socket of %s is full, keeping %s seq %d in the backlog", ind.Owner, ind.SubscriptionID, ind.Seq)
		}
	}

	i.keep(ind)
}

// pending reports whether kp has backlogged indications. Callers hold mu.
func (i *Indications) pending(kp string) bool {
	b, ok := i.backlog.Load(kp)

	return ok && (*b).len() > 0
}

// keep appends to the KP's backlog and refreshes its expiry. Callers hold mu.
func (i *Indications) keep(ind broker.Indication) {
	b := &backlog{}
	if existing, ok := i.backlog.Load(ind.Owner); ok {
		b = *existing
	}

	b.push(ind)
	i.backlog.Set(ind.Owner, b)
}

// Backlogged returns the number of indications waiting for kp.
func (i *Indications) Backlogged(kp string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if b, ok := i.backlog.Load(kp); ok {
		return (*b).len()
	}

	return 0
}

// attach makes conn the indication socket of kp, replacing an older one,
// and queues the backlog on it before any new indication.
func (i *Indications) attach(kp string, conn *websocket.Conn) *socket {
	s := &socket{
		conn:   conn,
		send:   make(chan broker.Indication, constants.IndicationSendBuffer),
		closed: make(chan struct{}),
		kp:     kp,
		log:    i.log.With("kp", kp),
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if old, ok := i.sockets[kp]; ok {
		s.log.Info("Replacing indication socket")
		old.close()
	}

	i.sockets[kp] = s

	if n := i.refillLocked(s); n > 0 {
		s.log.Infof("Flushed %d backlogged indications", n)
	}

	return s
}

// refill moves backlogged indications of s's KP onto s as far as its send
// buffer allows. It returns the number moved.
func (i *Indications) refill(s *socket) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.refillLocked(s)
}

func (i *Indications) refillLocked(s *socket) int {
	if i.sockets[s.kp] != s {
		return 0
	}

	b, ok := i.backlog.Load(s.kp)
	if !ok {
		return 0
	}

	pending := (*b).take()

	n := 0

fill:
	for ; n < len(pending); n++ {
		select {
		case s.send <- pending[n]:
		default:
			break fill
		}
	}

	if n == len(pending) {
		i.backlog.Delete(s.kp)

		return n
	}

	for _, rest := range pending[n:] {
		(*b).push(rest)
	}

	i.backlog.Set(s.kp, *b)

	return n
}

// detach removes s if it is still the socket of its KP. unsent and the
// indications still queued on s are routed again.
func (i *Indications) detach(s *socket, unsent []broker.Indication) {
	s.close()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sockets[s.kp] == s {
		delete(i.sockets, s.kp)
	}

	for drained := false; !drained; {
		select {
		case ind := <-s.send:
			unsent = append(unsent, ind)
		default:
			drained = true
		}
	}

	if len(unsent) == 0 {
		return
	}

	if _, ok := i.sockets[s.kp]; ok {
		for _, ind := range unsent {
			i.route(ind)
		}

		return
	}

	// Unsent indications are older than anything already backlogged.
	b := &backlog{}
	if existing, ok := i.backlog.Load(s.kp); ok {
		b = *existing
	}

	newer := b.take()
	for _, ind := range append(unsent, newer...) {
		b.push(ind)
	}

	i.backlog.Set(s.kp, b)
}

// serve pumps indications to the socket until it fails or is replaced.
// The read loop only exists to process control frames and notice closes.
func (i *Indications) serve(s *socket) {
	var unsent []broker.Indication

	defer func() { i.detach(s, unsent) }()

	go func() {
		defer s.close()

		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.closed:
			return
		case ind := <-s.send:
			if err := i.write(s, ind); err != nil {
				s.log.Infof("Indication socket closed: %s", err)
				unsent = append(unsent, ind)

				return
			}

			i.refill(s)
		}
	}
}

func (i *Indications) write(s *socket, ind broker.Indication) error {
	payload, err := json.Marshal(newIndicationBody(ind))
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentGateway, s.kp, err, s.log)

		return nil
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(constants.IndicationWriteTimeout)); err != nil {
		return err
	}

	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close closes every open indication socket.
func (i *Indications) Close() {
	i.mu.Lock()
	sockets := make([]*socket, 0, len(i.sockets))

	for _, s := range i.sockets {
		sockets = append(sockets, s)
	}
	i.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
}
