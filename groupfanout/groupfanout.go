// SPDX-License-Identifier: LGPL-3.0-or-later

// Package groupfanout delivers a group message to every member with
// per-member pairwise encryption and bounded concurrency, grounded on
// the pack's errgroup-based broadcast fan-out idiom.
package groupfanout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/pipeline"
	"github.com/cc4me/agentmesh/wire"
)

const (
	maxConcurrentDeliveries = 10
	memberCacheTTL          = 60 * time.Second
	perMemberTimeout        = 5 * time.Second
)

// MemberSource fetches a group's member list from the relay; Fanout
// wraps it with a 60-second TTL cache so repeated sends don't refetch
// on every call.
type MemberSource interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Sender is the narrow slice of *pipeline.Pipeline that fan-out needs.
type Sender interface {
	SendGroupMember(ctx context.Context, groupID, messageID, recipient string, payload map[string]any) pipeline.SendResult
}

// Result reports a group send's outcome, partitioned by delivery status.
type Result struct {
	MessageID string
	Delivered []string
	Queued    []string
	Failed    []string
}

type cacheEntry struct {
	members   []string
	expiresAt time.Time
}

// Fanout delivers group messages with bounded concurrency, per-member
// pairwise encryption, and a TTL-cached member list.
type Fanout struct {
	self    string
	sender  Sender
	members MemberSource

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(self string, sender Sender, members MemberSource) *Fanout {
	return &Fanout{
		self:    self,
		sender:  sender,
		members: members,
		cache:   make(map[string]cacheEntry),
	}
}

// Send delivers payload to every member of groupID except the sender,
// with at most maxConcurrentDeliveries in flight and a per-member
// timeout of perMemberTimeout. All members share one messageID.
func (f *Fanout) Send(ctx context.Context, groupID string, payload map[string]any) (Result, error) {
	start := time.Now()
	defer func() { metrics.GroupFanoutDuration.Observe(time.Since(start).Seconds()) }()

	members, err := f.resolveMembers(ctx, groupID)
	if err != nil {
		return Result{}, err
	}

	messageID := wire.NewMessageID()
	result := Result{MessageID: messageID}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDeliveries)

	for _, member := range members {
		member := member
		if member == f.self {
			continue
		}
		g.Go(func() error {
			memberCtx, cancel := context.WithTimeout(gctx, perMemberTimeout)
			defer cancel()
			res := f.sender.SendGroupMember(memberCtx, groupID, messageID, member, payload)

			mu.Lock()
			defer mu.Unlock()
			switch res.Status {
			case "delivered":
				result.Delivered = append(result.Delivered, member)
			case "queued":
				result.Queued = append(result.Queued, member)
			default:
				result.Failed = append(result.Failed, member)
			}
			return nil
		})
	}
	// Member delivery failures are reported per-member, not fatal to
	// the batch: every goroutine returns nil, so g.Wait reports no
	// error for them.
	if err := g.Wait(); err != nil {
		return result, errs.Transient(err, "group fan-out interrupted")
	}
	return result, nil
}

func (f *Fanout) resolveMembers(ctx context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	if e, ok := f.cache[groupID]; ok && time.Now().Before(e.expiresAt) {
		f.mu.Unlock()
		return e.members, nil
	}
	f.mu.Unlock()

	members, err := f.members.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[groupID] = cacheEntry{members: members, expiresAt: time.Now().Add(memberCacheTTL)}
	f.mu.Unlock()
	return members, nil
}
