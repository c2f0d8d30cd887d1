// SPDX-License-Identifier: LGPL-3.0-or-later

// Package community implements the community manager: per-community
// relay connections with sticky failover, heartbeat scheduling, cache
// ownership, and qualified-name resolution. Grounded on the
// mutex-guarded-map-plus-ticker-cleanup shape of core/session.Manager,
// generalized from session lifecycle to per-community relay state.
package community

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cc4me/agentmesh/contactcache"
	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/logger"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/model"
	"github.com/cc4me/agentmesh/pipeline"
	"github.com/cc4me/agentmesh/relayclient"
)

// failoverThreshold is the consecutive-failure count that trips a
// failover once at least one success has been observed.
const failoverThreshold = 3

// startupFailoverThreshold is the (lower) threshold used before the
// first success, so a community with a dead primary doesn't spend its
// first three heartbeats failing before ever reaching the failover.
const startupFailoverThreshold = 1

// cacheStaleAfter is how old a contact cache entry may be before a
// resolve forces a relay refresh.
const cacheStaleAfter = 5 * time.Minute

// Events is the fixed set of community-level notifications, grounded
// on the teacher's handshake.Events shape.
type Events interface {
	OnCommunityStatus(community, status string)
	OnKeyChanged(agent string)
	OnKeyRotationPartial(results map[string]error)
}

// Config describes one community's relay(s).
type Config struct {
	Name          string
	PrimaryRelay  string
	FailoverRelay string // empty if none
}

type community struct {
	name string

	primary  *relayclient.Client
	failover *relayclient.Client // nil if none configured

	mu                  sync.Mutex
	usingFailover       bool
	consecutiveFailures int
	firstSuccessSeen    bool

	cache *contactcache.Cache

	onlineMu sync.RWMutex
	online   map[string]bool

	adminMu   sync.RWMutex
	adminKeys []ed25519.PublicKey

	heartbeatStop chan struct{}
}

func (c *community) activeClient() *relayclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usingFailover && c.failover != nil {
		return c.failover
	}
	return c.primary
}

// Manager owns every configured community's relay connection, contact
// cache, and heartbeat timer.
type Manager struct {
	selfUsername string
	selfPriv     ed25519.PrivateKey
	endpoint     string

	heartbeatInterval time.Duration
	events            Events
	log               logger.Logger

	mu               sync.RWMutex
	communities      map[string]*community
	order            []string // insertion order, for default-community resolution
	defaultCommunity string

	sf singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager over the given communities, loading each
// community's on-disk contact cache.
func New(selfUsername string, selfPriv ed25519.PrivateKey, endpoint, dataDir string, heartbeatInterval time.Duration, configs []Config, events Events, log logger.Logger) (*Manager, error) {
	if events == nil {
		events = noopEvents{}
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	m := &Manager{
		selfUsername:      selfUsername,
		selfPriv:          selfPriv,
		endpoint:          endpoint,
		heartbeatInterval: heartbeatInterval,
		events:            events,
		log:               log,
		communities:       make(map[string]*community),
		stopCh:            make(chan struct{}),
	}

	for _, cfg := range configs {
		cache, err := contactcache.Load(dataDir, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("load contact cache for %q: %w", cfg.Name, err)
		}
		c := &community{
			name:    cfg.Name,
			primary: relayclient.New(cfg.PrimaryRelay, selfUsername, selfPriv),
			cache:   cache,
			online:  make(map[string]bool),
		}
		if cfg.FailoverRelay != "" {
			c.failover = relayclient.New(cfg.FailoverRelay, selfUsername, selfPriv)
		}
		m.communities[cfg.Name] = c
		m.order = append(m.order, cfg.Name)
		if m.defaultCommunity == "" {
			m.defaultCommunity = cfg.Name
		}
	}
	return m, nil
}

// Start sends an initial heartbeat to every community and starts each
// community's recurring heartbeat timer.
func (m *Manager) Start(ctx context.Context) {
	for _, name := range m.order {
		m.heartbeat(ctx, name)
		m.wg.Add(1)
		go m.heartbeatLoop(name)
	}
}

// Stop cancels every heartbeat timer. Idempotent; in-flight calls are
// allowed to finish.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) heartbeatLoop(name string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeat(context.Background(), name)
		}
	}
}

func (m *Manager) community(name string) (*community, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.communities[name]
	return c, ok
}

// callAPI routes fn through community name's currently-active relay,
// tracking consecutive failures and flipping to the failover relay
// once the threshold trips. Failover is sticky: it never reverts to
// primary automatically.
func (m *Manager) callAPI(ctx context.Context, name string, fn func(ctx context.Context, client *relayclient.Client) error) error {
	c, ok := m.community(name)
	if !ok {
		return errs.NotFound("unknown community %q", name)
	}
	client := c.activeClient()
	err := fn(ctx, client)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.consecutiveFailures = 0
		c.firstSuccessSeen = true
		return nil
	}
	if !isNetworkOrServerError(err) {
		return err
	}
	c.consecutiveFailures++
	threshold := failoverThreshold
	if !c.firstSuccessSeen {
		threshold = startupFailoverThreshold
	}
	if c.consecutiveFailures >= threshold && c.failover != nil && !c.usingFailover {
		c.usingFailover = true
		metrics.FailoverTransitions.WithLabelValues(name).Inc()
		m.events.OnCommunityStatus(name, "failover")
	}
	return err
}

func isNetworkOrServerError(err error) bool {
	e, ok := errs.As(err)
	return ok && e.Kind == errs.KindTransient
}

type heartbeatBody struct {
	Endpoint string `json:"endpoint"`
}

func (m *Manager) heartbeat(ctx context.Context, name string) {
	err := m.callAPI(ctx, name, func(ctx context.Context, client *relayclient.Client) error {
		return client.Post(ctx, "/presence/heartbeat", heartbeatBody{Endpoint: m.endpoint}, nil)
	})
	if err != nil {
		m.log.Warn("heartbeat failed", logger.String("community", name), logger.Error(err))
		return
	}
	metrics.HeartbeatsSent.WithLabelValues(name).Inc()
	m.refreshAdminKeys(ctx, name)
}

func (m *Manager) refreshAdminKeys(ctx context.Context, name string) {
	c, ok := m.community(name)
	if !ok {
		return
	}
	var resp struct {
		Keys [][]byte `json:"keys"`
	}
	if err := m.callAPI(ctx, name, func(ctx context.Context, client *relayclient.Client) error {
		return client.Get(ctx, "/admin/keys", &resp)
	}); err != nil {
		return // a soft failure; the previously cached admin keys remain in effect
	}
	keys := make([]ed25519.PublicKey, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		keys = append(keys, ed25519.PublicKey(k))
	}
	c.adminMu.Lock()
	c.adminKeys = keys
	c.adminMu.Unlock()
}

// refreshContacts fetches the caller's contact list from the relay
// and repopulates the community's cache and online map. A failure
// here is soft: the stale cache entries remain usable.
func (m *Manager) refreshContacts(ctx context.Context, name string) error {
	c, ok := m.community(name)
	if !ok {
		return errs.NotFound("unknown community %q", name)
	}
	_, err, _ := m.sf.Do("refresh:"+name, func() (any, error) {
		var views []model.ContactView
		if err := m.callAPI(ctx, name, func(ctx context.Context, client *relayclient.Client) error {
			return client.Get(ctx, "/contacts", &views)
		}); err != nil {
			return nil, err
		}
		c.onlineMu.Lock()
		for _, v := range views {
			c.online[v.Agent] = v.Online
		}
		c.onlineMu.Unlock()
		for _, v := range views {
			if old, ok := c.cache.Get(v.Agent); ok && !old.PublicKey.Equal(ed25519.PublicKey(v.PublicKey)) {
				m.events.OnKeyChanged(v.Agent)
			}
			_ = c.cache.Put(contactcache.Entry{
				Username:  v.Agent,
				PublicKey: ed25519.PublicKey(v.PublicKey),
				Endpoint:  v.Endpoint,
				Source:    "relay",
			})
		}
		return nil, nil
	})
	return err
}

// splitQualified splits a possibly-qualified "user@hostname" name.
func splitQualified(name string) (bare, hostname string, qualified bool) {
	idx := strings.IndexByte(name, '@')
	if idx < 0 {
		return name, "", false
	}
	return name[:idx], name[idx+1:], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// resolveCommunity picks the community a (possibly qualified) name
// belongs to: by relay hostname if qualified, else the first
// community whose cache already holds the peer, else the default.
func (m *Manager) resolveCommunity(bare, hostname string, qualified bool) *community {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if qualified {
		for _, name := range m.order {
			c := m.communities[name]
			if hostOf(c.primary.BaseURL()) == hostname {
				return c
			}
			if c.failover != nil && hostOf(c.failover.BaseURL()) == hostname {
				return c
			}
		}
	}
	for _, name := range m.order {
		c := m.communities[name]
		if _, ok := c.cache.Get(bare); ok {
			return c
		}
	}
	return m.communities[m.defaultCommunity]
}

// ResolveContact implements pipeline.ContactResolver: look up a known
// contact, refreshing from the relay if the cache entry is missing or
// stale.
func (m *Manager) ResolveContact(ctx context.Context, recipient string) (pipeline.Recipient, error) {
	bare, hostname, qualified := splitQualified(recipient)
	c := m.resolveCommunity(bare, hostname, qualified)
	if c == nil {
		return pipeline.Recipient{}, errs.NotFound("no community holds contact %q", recipient)
	}

	entry, ok := c.cache.Get(bare)
	if !ok || time.Since(entry.CachedAt) > cacheStaleAfter {
		if err := m.refreshContacts(ctx, c.name); err != nil && !ok {
			return pipeline.Recipient{}, err
		}
		entry, ok = c.cache.Get(bare)
	}
	if !ok {
		return pipeline.Recipient{}, errs.NotFound("%q is not a known contact", recipient)
	}

	c.onlineMu.RLock()
	online := c.online[bare]
	c.onlineMu.RUnlock()

	return pipeline.Recipient{
		Username:  bare,
		PublicKey: entry.PublicKey,
		Endpoint:  entry.Endpoint,
		Online:    online,
	}, nil
}

// IsContact implements pipeline.ContactResolver.
func (m *Manager) IsContact(ctx context.Context, recipient string) bool {
	bare, hostname, qualified := splitQualified(recipient)
	c := m.resolveCommunity(bare, hostname, qualified)
	if c == nil {
		return false
	}
	if _, ok := c.cache.Get(bare); ok {
		return true
	}
	_ = m.refreshContacts(ctx, c.name)
	_, ok := c.cache.Get(bare)
	return ok
}

// AdminKeys implements pipeline.AdminKeySource for the default community.
func (m *Manager) AdminKeys(ctx context.Context) ([]ed25519.PublicKey, error) {
	c, ok := m.community(m.defaultCommunity)
	if !ok {
		return nil, errs.NotFound("no default community configured")
	}
	c.adminMu.RLock()
	defer c.adminMu.RUnlock()
	return c.adminKeys, nil
}

// RotateKey posts a new public key to every community whose relay
// currently holds the old key, signed with the old (still-current)
// private key. Partial failure is reported via OnKeyRotationPartial
// rather than returned as an error; total failure across every
// community is returned as an error.
func (m *Manager) RotateKey(ctx context.Context, newPublicKey ed25519.PublicKey, communities []string) error {
	targets := communities
	if len(targets) == 0 {
		targets = m.order
	}

	results := make(map[string]error, len(targets))
	for _, name := range targets {
		err := m.callAPI(ctx, name, func(ctx context.Context, client *relayclient.Client) error {
			return client.Put(ctx, fmt.Sprintf("/registry/agents/%s/key", m.selfUsername), map[string][]byte{"newPublicKey": newPublicKey}, nil)
		})
		results[name] = err
	}

	var succeeded, failed int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded == 0 {
		return errs.Internal(fmt.Errorf("all %d communities rejected the rotation", failed), "rotate key")
	}
	if failed > 0 {
		m.events.OnKeyRotationPartial(results)
	}
	metrics.KeyRotationsTotal.WithLabelValues(outcomeLabel(succeeded, failed)).Inc()
	return nil
}

func outcomeLabel(succeeded, failed int) string {
	switch {
	case failed == 0:
		return "success"
	case succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

// Members implements pipeline.GroupResolver by delegating to the
// default community's relay.
func (m *Manager) Members(ctx context.Context, groupID string) ([]string, error) {
	var members []model.GroupMember
	if err := m.callAPI(ctx, m.defaultCommunity, func(ctx context.Context, client *relayclient.Client) error {
		return client.Get(ctx, "/groups/"+groupID+"/members", &members)
	}); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, mem := range members {
		out = append(out, mem.Username)
	}
	return out, nil
}

type noopEvents struct{}

func (noopEvents) OnCommunityStatus(string, string)         {}
func (noopEvents) OnKeyChanged(string)                      {}
func (noopEvents) OnKeyRotationPartial(map[string]error)    {}
