package availability

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"epochbft/types"
)

func TestListPoolFIFO(t *testing.T) {
	pool := NewListPool()

	for i := 0; i < 5; i++ {
		assert.NoError(t, pool.AddPayload(types.Payload(fmt.Sprintf("payload-%d", i))))
	}
	assert.Equal(t, 5, pool.Size())

	for i := 0; i < 5; i++ {
		payload := pool.ReapPayload()
		assert.Equal(t, types.Payload(fmt.Sprintf("payload-%d", i)), payload)
	}
	assert.Equal(t, 0, pool.Size())
}

func TestListPoolReapEmpty(t *testing.T) {
	pool := NewListPool()
	assert.Nil(t, pool.ReapPayload())
}

func TestListPoolBytes(t *testing.T) {
	pool := NewListPool()

	assert.NoError(t, pool.AddPayload(types.Payload("12345")))
	assert.NoError(t, pool.AddPayload(types.Payload("123")))
	assert.EqualValues(t, 8, pool.PayloadBytes())

	pool.ReapPayload()
	assert.EqualValues(t, 3, pool.PayloadBytes())
}
