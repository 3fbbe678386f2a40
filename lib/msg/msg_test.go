package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingKey(t *testing.T) {
	e := TxEvent{Hash: "0xab", Status: "pending"}
	assert.Equal(t, "rinkeby.pending.0xab", e.RoutingKey("rinkeby"))
}
