package transport

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"go.uber.org/zap"
)

// Dialer opens outbound connections to every peer in the cluster and
// caches one rpc.Client per peer. It does not serialise sends per
// destination and keeps no per-peer channel: concurrent Sends to the
// same peer share its cached client, and Broadcast sends to each peer
// from its own goroutine.
type Dialer struct {
	self  ids.NodeId
	addrs map[ids.NodeId]string
	log   *zap.Logger

	mu    sync.Mutex
	conns map[ids.NodeId]*rpc.Client

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewDialer constructs a Dialer. addrs maps every NodeId in the
// cluster (including self) to its "host:port" listen address.
func NewDialer(self ids.NodeId, addrs map[ids.NodeId]string, log *zap.Logger) *Dialer {
	return &Dialer{
		self:        self,
		addrs:       addrs,
		log:         log,
		conns:       make(map[ids.NodeId]*rpc.Client),
		backoffBase: 50 * time.Millisecond,
		backoffMax:  2 * time.Second,
	}
}

func (d *Dialer) clientFor(peer ids.NodeId) (*rpc.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.conns[peer]; ok {
		return c, nil
	}
	addr, ok := d.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("transport: no address configured for node %d", peer)
	}
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial node %d (%s): %w", peer, addr, err)
	}
	d.conns[peer] = c
	return c, nil
}

func (d *Dialer) dropConn(peer ids.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[peer]; ok {
		c.Close()
		delete(d.conns, peer)
	}
}

// Send delivers env to its Receiver with bounded-retry backoff on
// dial/connection failure. A dropped or reordered message from a
// never-reachable peer is a transient protocol loss (§7 class 1):
// Send gives up after the backoff budget and returns an error, but the
// caller (a detection period, a probe forward) is expected to let the
// next period correct for it rather than treat this as fatal.
func (d *Dialer) Send(env proto.Envelope) (proto.Ack, error) {
	peer := env.Receiver
	if peer == d.self {
		return proto.Ack{}, fmt.Errorf("transport: Send to self (%d) is a local dispatch, not a network send", peer)
	}

	var lastErr error
	backoff := d.backoffBase
	for attempt := 0; attempt < 4; attempt++ {
		client, err := d.clientFor(peer)
		if err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, d.backoffMax)
			continue
		}

		var reply proto.Ack
		if err := client.Call(peerServiceMethod(), env, &reply); err != nil {
			lastErr = err
			d.dropConn(peer)
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, d.backoffMax)
			continue
		}
		return reply, nil
	}
	if d.log != nil {
		d.log.Warn("send failed after retries", zap.Int("peer", int(peer)),
			zap.String("type", env.Type.String()), zap.Error(lastErr))
	}
	return proto.Ack{}, fmt.Errorf("transport: send to node %d failed: %w", peer, lastErr)
}

// Broadcast fans env out to every node in the cluster except self,
// one goroutine per peer so a single unreachable peer cannot stall
// delivery to the rest. It returns once every fan-out goroutine has
// either succeeded or exhausted its retries.
func (d *Dialer) Broadcast(env proto.Envelope, includeSelf bool, selfDeliver func(proto.Envelope) (proto.Ack, error)) map[ids.NodeId]error {
	results := make(map[ids.NodeId]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for peer := range d.addrs {
		if peer == d.self {
			if includeSelf && selfDeliver != nil {
				e := env
				e.Sender = d.self
				e.Receiver = d.self
				if _, err := selfDeliver(e); err != nil {
					mu.Lock()
					results[peer] = err
					mu.Unlock()
				}
			}
			continue
		}
		wg.Add(1)
		go func(peer ids.NodeId) {
			defer wg.Done()
			e := env
			e.Sender = d.self
			e.Receiver = peer
			_, err := d.Send(e)
			if err != nil {
				mu.Lock()
				results[peer] = err
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()
	return results
}

// Close tears down every outbound connection.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer, c := range d.conns {
		c.Close()
		delete(d.conns, peer)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
