// Package ticket tracks which users currently have an open support ticket.
//
// The registry is memory-only: state is lost on restart, and tickets whose
// channels survive a restart are not rediscovered. That limitation is
// deliberate; the registry self-heals instead by probing channel existence
// on every claim.
package ticket

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyOpen is returned by Claim when the owner already has an open
// ticket. Use AlreadyOpenChannel to recover the existing channel ID.
var ErrAlreadyOpen = errors.New("ticket: owner already has an open ticket")

// AlreadyOpenError wraps ErrAlreadyOpen with the conflicting channel.
type AlreadyOpenError struct {
	ChannelID string
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("ticket: owner already has an open ticket in channel %s", e.ChannelID)
}

func (e *AlreadyOpenError) Unwrap() error { return ErrAlreadyOpen }

// AlreadyOpenChannel extracts the existing channel ID from a Claim error,
// or "" if the error is not an open-ticket conflict.
func AlreadyOpenChannel(err error) string {
	var aoe *AlreadyOpenError
	if errors.As(err, &aoe) {
		return aoe.ChannelID
	}
	return ""
}

// ChannelProbe reports whether a channel still exists on the platform.
// It runs under the registry lock, so implementations must be cheap
// (a gateway state-cache lookup, not a network round trip).
type ChannelProbe func(channelID string) bool

type entry struct {
	channelID string
	pending   bool
}

// Registry maps an owner ID to at most one open ticket channel.
type Registry struct {
	mu     sync.Mutex
	open   map[string]*entry // ownerID → entry
	probe  ChannelProbe
	logger *slog.Logger
}

// NewRegistry creates an empty registry. probe may be nil, in which case
// registered channels are assumed to still exist.
func NewRegistry(probe ChannelProbe, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		open:   make(map[string]*entry),
		probe:  probe,
		logger: logger,
	}
}

// Claim reserves the single ticket slot for ownerID. The channel ID is not
// known yet at claim time (provisioning happens after the claim), so the
// caller must finish with either Commit or Release. While a claim is
// pending, further claims for the same owner are rejected, which keeps the
// check-then-register sequence atomic across the provisioning window.
func (r *Registry) Claim(ownerID string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.open[ownerID]; ok {
		if e.pending {
			return nil, &AlreadyOpenError{ChannelID: e.channelID}
		}
		if r.probe == nil || r.probe(e.channelID) {
			return nil, &AlreadyOpenError{ChannelID: e.channelID}
		}
		// Channel was deleted externally; treat as no open ticket.
		r.logger.Info("dropping stale registry entry", "owner", ownerID, "channel", e.channelID)
		delete(r.open, ownerID)
	}

	r.open[ownerID] = &entry{pending: true}
	return &Claim{reg: r, ownerID: ownerID}, nil
}

// Claim is a pending registry reservation for one owner.
type Claim struct {
	mu      sync.Mutex
	reg     *Registry
	ownerID string
	done    bool
}

// Commit records the provisioned channel under the claimed owner.
func (c *Claim) Commit(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true

	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	c.reg.open[c.ownerID] = &entry{channelID: channelID}
}

// Release abandons a pending claim after a provisioning failure. Idempotent,
// and a no-op once the claim has been committed.
func (c *Claim) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true

	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if e, ok := c.reg.open[c.ownerID]; ok && e.pending {
		delete(c.reg.open, c.ownerID)
	}
}

// CloseByChannel removes the entry referring to channelID and returns the
// prior owner. ok is false when no entry matches; a second call for the same
// channel is a harmless not-found.
func (r *Registry) CloseByChannel(channelID string) (ownerID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for owner, e := range r.open {
		if !e.pending && e.channelID == channelID {
			delete(r.open, owner)
			return owner, true
		}
	}
	return "", false
}

// Remove drops the entry for ownerID regardless of channel. Used by the
// reconcile sweep when a channel disappeared externally.
func (r *Registry) Remove(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[ownerID]; !ok {
		return false
	}
	delete(r.open, ownerID)
	return true
}

// Entries returns a snapshot of committed owner → channel mappings.
func (r *Registry) Entries() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.open))
	for owner, e := range r.open {
		if !e.pending {
			out[owner] = e.channelID
		}
	}
	return out
}

// Len returns the number of entries, pending claims included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
