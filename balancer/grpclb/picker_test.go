package grpclb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbird2009/clientchannel/balancer"
)

type testSubConn struct {
	balancer.SubConn
	name string
}

func Test_Picker_DropsBeforeBackends(t *testing.T) {
	sc := &testSubConn{name: "backend-0"}
	stats := &rpcStats{}
	p := newPicker([]Server{
		{Addr: "drop-0", LoadBalanceToken: "rate-limit-token", DropForRateLimiting: true},
		{Addr: "backend-0"},
	}, []balancer.SubConn{sc}, stats)

	// First pick lands on the drop entry and fails the RPC.
	_, err := p.Pick(balancer.PickInfo{})
	assert.Error(t, err)

	// Second pick lands on the backend entry and returns the one READY SubConn.
	result, err := p.Pick(balancer.PickInfo{})
	assert.NoError(t, err)
	assert.Equal(t, sc, result.SubConn)

	snap := stats.toClientStats()
	assert.EqualValues(t, 1, snap.CallsFinishedWithDrop["rate-limit-token"])
}

func Test_Picker_AttachesLoadBalanceTokenToMetadata(t *testing.T) {
	sc := &testSubConn{name: "backend-0"}
	p := newPicker([]Server{
		{Addr: "backend-0", LoadBalanceToken: "t2"},
	}, []balancer.SubConn{sc}, &rpcStats{})

	result, err := p.Pick(balancer.PickInfo{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"t2"}, result.Metadata["lb-token"])
}

func Test_Picker_NoBackendsIsUnavailable(t *testing.T) {
	p := newPicker(nil, nil, &rpcStats{})
	_, err := p.Pick(balancer.PickInfo{})
	assert.Error(t, err)
}

func Test_RpcStats_RoundTrip(t *testing.T) {
	s := &rpcStats{}
	s.knownReceived()
	s.failedToSend()
	snap := s.toClientStats()
	assert.EqualValues(t, 2, snap.NumCallsStarted)
	assert.EqualValues(t, 1, snap.NumCallsFinishedKnownReceived)
	assert.EqualValues(t, 1, snap.NumCallsFinishedWithClientFailedToSend)

	// toClientStats resets the accumulator.
	snap2 := s.toClientStats()
	assert.EqualValues(t, 0, snap2.NumCallsStarted)
}
