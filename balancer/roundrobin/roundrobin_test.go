package roundrobin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
)

type testSubConn struct {
	balancer.SubConn
	index int
}

func makeTestSubConnArray(n int) []balancer.SubConn {
	var conns []balancer.SubConn
	for i := 0; i < n; i++ {
		conns = append(conns, &testSubConn{index: i})
	}
	return conns
}

func Test_Pick(t *testing.T) {
	conns := makeTestSubConnArray(10)
	p := &picker{subConns: conns}

	var info balancer.PickInfo
	result, err := p.Pick(info)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.SubConn.(*testSubConn).index)

	p.next = len(conns) - 1
	result, err = p.Pick(info)
	assert.NoError(t, err)
	assert.Equal(t, 0, result.SubConn.(*testSubConn).index)
}

func Test_ConnectivityStateEvaluator(t *testing.T) {
	var cse connectivityStateEvaluator
	assert.Equal(t, connectivity.Connecting, cse.recordTransition(connectivity.Idle, connectivity.Connecting))
	assert.Equal(t, connectivity.TransientFailure, cse.recordTransition(connectivity.Connecting, connectivity.TransientFailure))
	// A second subchannel reaching READY should flip the aggregate to READY.
	assert.Equal(t, connectivity.Ready, cse.recordTransition(connectivity.Idle, connectivity.Ready))
	// Clearing the lone TransientFailure subchannel back to Idle leaves READY dominant.
	assert.Equal(t, connectivity.Ready, cse.recordTransition(connectivity.TransientFailure, connectivity.Idle))
}
