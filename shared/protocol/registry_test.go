package protocol

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPoint struct {
	X, Y float64
}

var testPointCodec = Codec[testPoint]{
	Encode: func(w *Writer, v testPoint) {
		w.Fixed(v.X, 0.5)
		w.Fixed(v.Y, 0.5)
	},
	Decode: func(r *Reader) testPoint {
		return testPoint{X: r.Fixed(0.5), Y: r.Fixed(0.5)}
	},
	Equal: func(a, b testPoint) bool {
		return a == b
	},
	SizeHint: 4,
}

var testCounterCodec = Codec[uint64]{
	Encode: func(w *Writer, v uint64) { w.Uvarint(v) },
	Decode: func(r *Reader) uint64 { return r.Uvarint() },
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, Register(r, 1, "point", testPointCodec))
	require.NoError(t, Register(r, 2, "counter", testCounterCodec))
	require.NoError(t, Register(r, 3, "other", testCounterCodec))
	return r
}

func TestRegistryRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	b, err := r.Encode(1, testPoint{X: -3.5, Y: 12})
	require.NoError(t, err)

	v, err := r.Decode(1, b)
	require.NoError(t, err)
	assert.Equal(t, testPoint{X: -3.5, Y: 12}, v)

	assert.True(t, r.Equal(1, v, testPoint{X: -3.5, Y: 12}))
	assert.False(t, r.Equal(2, uint64(1), uint64(1)), "nil Equal never matches")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	err := Register(r, 1, "again", testCounterCodec)
	assert.True(t, eris.Is(err, ErrKindRegistered))

	err = Register(r, 9, "point", testCounterCodec)
	assert.True(t, eris.Is(err, ErrKindRegistered))

	err = Register(r, KindEntity, "entity", testCounterCodec)
	assert.True(t, eris.Is(err, ErrKindRegistered))
}

func TestRegistrySealed(t *testing.T) {
	r := newTestRegistry(t)
	r.Seal()

	err := Register(r, 10, "late", testCounterCodec)
	assert.True(t, eris.Is(err, ErrRegistrySealed))
	assert.True(t, eris.Is(r.RequireTogether(1, 2), ErrRegistrySealed))
}

func TestRegistryUnknownKind(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Encode(42, uint64(1))
	assert.True(t, eris.Is(err, ErrUnknownKind))

	_, err = r.Decode(42, []byte{1})
	assert.True(t, eris.Is(err, ErrUnknownKind))
}

func TestRegistryDecodeRejectsTrailingAndShortPayloads(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Decode(2, []byte{1, 2})
	assert.True(t, eris.Is(err, ErrMalformedPayload))

	_, err = r.Decode(1, []byte{2})
	assert.True(t, eris.Is(err, ErrMalformedPayload))
}

func TestRegistryEncodeWrongType(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Encode(1, "not a point")
	assert.Error(t, err)
}

func TestRequireTogetherMergesGroups(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.RequireTogether(1, 2))
	require.NoError(t, r.RequireTogether(2, 3))

	assert.Equal(t, []Kind{1, 2, 3}, r.Group(1))
	assert.Equal(t, []Kind{1, 2, 3}, r.Group(3))
	assert.Equal(t, []Kind{7}, r.Group(7))

	assert.True(t, eris.Is(r.RequireTogether(1, 99), ErrUnknownKind))
}

func TestSizeEstimateTracksLargestPayload(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, 4, r.SizeEstimate(1))
	assert.Equal(t, 0, r.SizeEstimate(2))

	_, err := r.Encode(2, uint64(1))
	require.NoError(t, err)
	assert.Equal(t, 1, r.SizeEstimate(2))

	_, err = r.Encode(2, uint64(1<<40))
	require.NoError(t, err)
	_, err = r.Encode(2, uint64(3))
	require.NoError(t, err)
	assert.Equal(t, 6, r.SizeEstimate(2))
}

func TestIDDependsOnKinds(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)
	assert.Equal(t, a.ID(), b.ID())

	require.NoError(t, Register(b, 4, "extra", testCounterCodec))
	assert.NotEqual(t, a.ID(), b.ID())

	c := newTestRegistry(t)
	require.NoError(t, c.RequireTogether(1, 2))
	assert.NotEqual(t, a.ID(), c.ID())
}
