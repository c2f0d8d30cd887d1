// SPDX-License-Identifier: LGPL-3.0-or-later

package pipeline

import (
	"time"

	"github.com/cc4me/agentmesh/retryqueue"
)

// Events is the fixed set of notifications the pipeline emits,
// grounded on the teacher's handshake.Events interface shape
// (OnInvitation/OnRequest/OnComplete generalized to this package's
// message/contact/delivery/community surface).
type Events interface {
	OnMessage(sender, messageID string, timestamp time.Time, payload map[string]any, verified bool)
	OnGroupMessage(groupID, sender, messageID string, timestamp time.Time, payload map[string]any)
	OnBroadcast(id string, kind string, body []byte)
	OnContactRequest(sender, greeting string, publicKey []byte)
	OnDeliveryStatus(messageID string, status retryqueue.Status)
}

// NoopEvents implements Events with no-ops, useful as a default or in tests.
type NoopEvents struct{}

func (NoopEvents) OnMessage(string, string, time.Time, map[string]any, bool)    {}
func (NoopEvents) OnGroupMessage(string, string, string, time.Time, map[string]any) {}
func (NoopEvents) OnBroadcast(string, string, []byte)                           {}
func (NoopEvents) OnContactRequest(string, string, []byte)                      {}
func (NoopEvents) OnDeliveryStatus(string, retryqueue.Status)                   {}
