// SPDX-License-Identifier: LGPL-3.0-or-later

package groupfanout

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cc4me/agentmesh/pipeline"
)

type fakeMembers struct {
	calls   int32
	members []string
}

func (f *fakeMembers) Members(ctx context.Context, groupID string) ([]string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.members, nil
}

type fakeSender struct {
	statuses map[string]string
}

func (f *fakeSender) SendGroupMember(ctx context.Context, groupID, messageID, recipient string, payload map[string]any) pipeline.SendResult {
	status := f.statuses[recipient]
	if status == "" {
		status = "delivered"
	}
	return pipeline.SendResult{Status: status, MessageID: messageID}
}

func TestSendPartitionsByStatus(t *testing.T) {
	members := &fakeMembers{members: []string{"alice", "bob", "carol", "dave"}}
	sender := &fakeSender{statuses: map[string]string{
		"bob":   "queued",
		"carol": "failed",
	}}
	f := New("alice", sender, members)

	result, err := f.Send(context.Background(), "g1", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, result.MessageID)
	require.ElementsMatch(t, []string{"dave"}, result.Delivered)
	require.ElementsMatch(t, []string{"bob"}, result.Queued)
	require.ElementsMatch(t, []string{"carol"}, result.Failed)
}

func TestSendExcludesSelf(t *testing.T) {
	members := &fakeMembers{members: []string{"alice", "bob"}}
	sender := &fakeSender{statuses: map[string]string{}}
	f := New("alice", sender, members)

	result, err := f.Send(context.Background(), "g1", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob"}, result.Delivered)
}

func TestResolveMembersCachesWithinTTL(t *testing.T) {
	members := &fakeMembers{members: []string{"alice", "bob"}}
	sender := &fakeSender{statuses: map[string]string{}}
	f := New("alice", sender, members)

	_, err := f.Send(context.Background(), "g1", map[string]any{"text": "1"})
	require.NoError(t, err)
	_, err = f.Send(context.Background(), "g1", map[string]any{"text": "2"})
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&members.calls))
}
