package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingBijection(t *testing.T) {
	routes := NewRoutingRepository()

	routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")
	routes.BindSubscription(2, "sub-b", "client-1", "stock|MSFT|SMART")
	routes.BindSubscription(3, "sub-c", "client-2", "stock|AAPL|SMART")

	for reqID, subID := range map[int64]string{1: "sub-a", 2: "sub-b", 3: "sub-c"} {
		gotSub, ok := routes.SubIDByReq(reqID)
		require.True(t, ok)
		assert.Equal(t, subID, gotSub)

		gotReq, ok := routes.ReqBySub(subID)
		require.True(t, ok)
		assert.Equal(t, reqID, gotReq)
	}
}

func TestRebindReqDropsStaleEntry(t *testing.T) {
	routes := NewRoutingRepository()
	routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")

	routes.RebindReq("sub-a", 9)

	_, ok := routes.SubIDByReq(1)
	assert.False(t, ok, "stale req id must be gone")

	subID, ok := routes.SubIDByReq(9)
	require.True(t, ok)
	assert.Equal(t, "sub-a", subID)

	reqID, ok := routes.ReqBySub("sub-a")
	require.True(t, ok)
	assert.Equal(t, int64(9), reqID)
}

func TestForgetRemovesFromAllTables(t *testing.T) {
	routes := NewRoutingRepository()
	routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")

	routes.Forget("sub-a")

	_, ok := routes.SubIDByReq(1)
	assert.False(t, ok)
	_, ok = routes.ReqBySub("sub-a")
	assert.False(t, ok)
	assert.Empty(t, routes.ClientSubs("client-1"))

	snapshot := routes.Snapshot()
	assert.Zero(t, snapshot["req_to_sub"])
	assert.Zero(t, snapshot["sub_to_req"])
	assert.Zero(t, snapshot["client_to_subs"])
	assert.Zero(t, snapshot["instruments"])
}

func TestForgetClientCascade(t *testing.T) {
	routes := NewRoutingRepository()
	routes.BindSubscription(1, "sub-a", "client-1", "stock|AAPL|SMART")
	routes.BindSubscription(2, "sub-b", "client-1", "future|ES|CME|202609")
	routes.BindSubscription(3, "sub-c", "client-2", "stock|AAPL|SMART")

	dropped := routes.ForgetClient("client-1")
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, dropped)

	// nothing of client-1 remains anywhere
	for _, reqID := range []int64{1, 2} {
		_, ok := routes.SubIDByReq(reqID)
		assert.False(t, ok)
	}
	assert.Empty(t, routes.ClientSubs("client-1"))

	// the other client's routing is untouched
	subID, ok := routes.SubIDByReq(3)
	require.True(t, ok)
	assert.Equal(t, "sub-c", subID)
}

func TestOrderOwnership(t *testing.T) {
	routes := NewRoutingRepository()

	routes.BindOrder(1001, "client-1")

	clientID, ok := routes.ClientByOrder(1001)
	require.True(t, ok)
	assert.Equal(t, "client-1", clientID)

	routes.ForgetOrder(1001)
	_, ok = routes.ClientByOrder(1001)
	assert.False(t, ok)
}

func TestTransientLookups(t *testing.T) {
	routes := NewRoutingRepository()

	routes.BindLookup(5, "client-9")

	clientID, ok := routes.LookupClient(5)
	require.True(t, ok)
	assert.Equal(t, "client-9", clientID)

	routes.ForgetLookup(5)
	_, ok = routes.LookupClient(5)
	assert.False(t, ok)
}
