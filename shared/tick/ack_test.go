package tick

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptsAckEveryTick(t *testing.T) {
	var r Receipts
	for i := Tick(0); i <= 20; i++ {
		r.Record(i)
	}

	ack, ok := r.Ack()
	require.True(t, ok)
	assert.Equal(t, Tick(20), ack.Base)
	for i := Tick(0); i <= 20; i++ {
		assert.True(t, ack.Has(i), "tick %d", i)
	}
	assert.False(t, ack.Has(21))
}

func TestReceiptsGapsAndReordering(t *testing.T) {
	var r Receipts
	r.Record(10)
	r.Record(13)
	r.Record(11)
	r.Record(11)

	ack, ok := r.Ack()
	require.True(t, ok)
	assert.Equal(t, Tick(13), ack.Base)
	assert.True(t, ack.Has(10))
	assert.True(t, ack.Has(11))
	assert.False(t, ack.Has(12))
	assert.True(t, ack.Has(13))
}

func TestReceiptsLargeJumpClearsWindow(t *testing.T) {
	var r Receipts
	r.Record(1)
	r.Record(2)
	r.Record(2 + AckBits + 1)

	ack, _ := r.Ack()
	assert.False(t, ack.Has(1))
	assert.False(t, ack.Has(2))
	assert.Equal(t, uint32(0), ack.Bits)
}

func TestReceiptsJumpOfExactlyWindow(t *testing.T) {
	var r Receipts
	r.Record(5)
	r.Record(5 + AckBits)

	ack, _ := r.Ack()
	assert.True(t, ack.Has(5))
	assert.Equal(t, Tick(5), ack.Oldest())
}

func TestAckIgnoresTicksOutsideWindow(t *testing.T) {
	var r Receipts
	r.Record(100)
	r.Record(100 - AckBits - 1)

	ack, _ := r.Ack()
	assert.Equal(t, uint32(0), ack.Bits)

	_, ok := (&Receipts{}).Ack()
	assert.False(t, ok)
}
