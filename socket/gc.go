package socket

import (
	"context"
	"time"
)

// livenessPing is sent to a callback id to ask the client whether it is
// still reachable; a client that has no live reference to the
// corresponding function simply never replies, and the entry is then
// dropped after the grace period. This is the host-language-agnostic
// fallback spec.md §9 calls out: "where [a weak-reference map is] absent,
// implement via periodic liveness probing (a ping sent to each callback
// id; unreachable ones are GC'd)".
const livenessPing MessageType = "callbackLivenessPing"

// livenessPong is the reply to a livenessPing: receiving one proves the
// callback id is still reachable on the peer, so handle() routes it
// straight into TouchCallback to cancel the pending drop. The peer's
// handle() replies with one automatically on every livenessPing it
// receives, for the same reason it answers a callbackCall: the id was
// addressed to it and it is still connected to answer.
const livenessPong MessageType = "callbackLivenessPong"

// livenessProbePayload is the payload shape shared by both
// callbackLivenessPing and callbackLivenessPong envelopes.
type livenessProbePayload struct {
	CallbackID int64 `json:"callbackId"`
}

// PruneCallbacks starts a background goroutine that periodically probes
// every tracked callback stub and drops any that hasn't been touched
// (via a prior ping reply or a fresh callbackCall) within staleAfter. It
// stops when ctx is done or the connection closes.
func (c *Connection) PruneCallbacks(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.probeOnce(staleAfter) {
					return
				}
			}
		}
	}()
}

// probeOnce runs one liveness-check pass: a stub that was already probed
// on a prior pass and has seen no Touch since is dropped as unreachable;
// a stub past staleAfter with no pending probe gets one sent now. A stub
// is only dropped after a probe went unanswered for one whole interval
// between passes; a pong that arrives later than that does not save it.
// It returns false once the connection is closed.
func (c *Connection) probeOnce(staleAfter time.Duration) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	now := time.Now()
	var toProbe, toDrop []int64
	for id, stub := range c.stubs {
		if stub.probing {
			toDrop = append(toDrop, id)
			continue
		}
		if now.Sub(stub.lastPing) > staleAfter {
			stub.probing = true
			stub.probeSentAt = now
			toProbe = append(toProbe, id)
		}
	}
	for _, id := range toDrop {
		delete(c.stubs, id)
	}
	c.mu.Unlock()

	for _, id := range toProbe {
		c.Send(livenessPing, livenessProbePayload{CallbackID: id})
	}
	return true
}

// TouchCallback records that a callback id was just exercised (a fresh
// callbackCall was sent, or a liveness pong arrived), resetting its
// staleness clock.
func (c *Connection) TouchCallback(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stub, ok := c.stubs[id]; ok {
		stub.lastPing = time.Now()
		stub.probing = false
	}
}
