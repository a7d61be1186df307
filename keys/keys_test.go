package keys

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmap/proto"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, v := range []int32{math.MinInt32, -1, 0, 1, math.MaxInt32} {
		k := NewInt32(v)
		got, err := FromRawValue(proto.ShardKeyTypeInt32, k.RawValue())
		require.NoError(t, err)
		require.True(t, k.Equal(got))
		dec, err := got.Int32()
		require.NoError(t, err)
		require.Equal(t, v, dec)
	}

	for _, v := range []int64{math.MinInt64, -1, 0, 1, math.MaxInt64} {
		k := NewInt64(v)
		got, err := FromRawValue(proto.ShardKeyTypeInt64, k.RawValue())
		require.NoError(t, err)
		dec, err := got.Int64()
		require.NoError(t, err)
		require.Equal(t, v, dec)
	}

	id := uuid.New()
	k := NewGUID(id)
	got, err := FromRawValue(proto.ShardKeyTypeGUID, k.RawValue())
	require.NoError(t, err)
	dec, err := got.GUID()
	require.NoError(t, err)
	require.Equal(t, id, dec)

	now := time.Now().UTC().Truncate(time.Microsecond)
	k = NewDateTime(now)
	got, err = FromRawValue(proto.ShardKeyTypeDateTime, k.RawValue())
	require.NoError(t, err)
	ts, err := got.DateTime()
	require.NoError(t, err)
	require.True(t, now.Equal(ts))

	for _, b := range [][]byte{{}, {0x00}, {0xFF, 0xFF}, {0x01, 0x02, 0x03}} {
		k, err := NewBinary(b)
		require.NoError(t, err)
		got, err := FromRawValue(proto.ShardKeyTypeBinary, k.RawValue())
		require.NoError(t, err)
		dec, err := got.Binary()
		require.NoError(t, err)
		require.True(t, bytes.Equal(b, dec))
	}
}

func TestKeyOrderingSignedIntegers(t *testing.T) {
	// Raw two's-complement bytes of -5 compare above 0; the canonical
	// encoding must restore logical order.
	neg := NewInt32(-5)
	zero := NewInt32(0)
	pos := NewInt32(5)

	c, err := neg.Compare(zero)
	require.NoError(t, err)
	require.Negative(t, c)
	c, err = zero.Compare(pos)
	require.NoError(t, err)
	require.Negative(t, c)
	c, err = neg.Compare(pos)
	require.NoError(t, err)
	require.Negative(t, c)

	require.Equal(t, -1, bytes.Compare(neg.RawValue(), zero.RawValue()))

	n := NewInt64(-5)
	z := NewInt64(0)
	c, err = n.Compare(z)
	require.NoError(t, err)
	require.Negative(t, c)
}

func TestKeyCompareTypeMismatch(t *testing.T) {
	_, err := NewInt32(1).Compare(NewInt64(1))
	require.Error(t, err)
}

func TestKeyMinMax(t *testing.T) {
	for _, kt := range []proto.ShardKeyType{
		proto.ShardKeyTypeInt32, proto.ShardKeyTypeInt64,
		proto.ShardKeyTypeGUID, proto.ShardKeyTypeBinary, proto.ShardKeyTypeDateTime,
	} {
		min := Min(kt)
		max := Max(kt)
		require.True(t, min.IsMin(), kt.String())
		require.True(t, max.IsMax(), kt.String())
		c, err := min.Compare(max)
		require.NoError(t, err)
		require.Negative(t, c)
		require.Nil(t, max.RawValue())
	}

	minInt, err := Min(proto.ShardKeyTypeInt32).Int32()
	require.NoError(t, err)
	require.Equal(t, int32(math.MinInt32), minInt)
}

func TestKeyNext(t *testing.T) {
	next, err := NewInt32(41).Next()
	require.NoError(t, err)
	require.True(t, next.Equal(NewInt32(42)))

	next, err = NewInt32(math.MaxInt32).Next()
	require.NoError(t, err)
	require.True(t, next.IsMax())

	next, err = NewInt32(-1).Next()
	require.NoError(t, err)
	require.True(t, next.Equal(NewInt32(0)))

	// Binary keys below the size limit extend with a zero byte.
	b, err := NewBinary([]byte{0x01})
	require.NoError(t, err)
	next, err = b.Next()
	require.NoError(t, err)
	want, err := NewBinary([]byte{0x01, 0x00})
	require.NoError(t, err)
	require.True(t, next.Equal(want))

	_, err = Max(proto.ShardKeyTypeInt32).Next()
	require.Error(t, err)
}

func TestBinaryKeySizeLimit(t *testing.T) {
	_, err := NewBinary(make([]byte, MaxBinaryKeySize))
	require.NoError(t, err)
	_, err = NewBinary(make([]byte, MaxBinaryKeySize+1))
	require.Error(t, err)
}
