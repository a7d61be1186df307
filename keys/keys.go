// Package keys implements typed shard keys with a canonical byte encoding
// whose lexicographic order matches logical order, and the range algebra
// used by range shard maps.
package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
)

// MaxBinaryKeySize bounds variable length binary keys.
const MaxBinaryKeySize = 128

// Key is an immutable, totally ordered shard key. The zero Key is invalid.
// A Key with the max flag set is the distinguished "unbounded max" value,
// greater than every regular key of its type.
type Key struct {
	keyType proto.ShardKeyType
	raw     []byte
	max     bool
}

// NewInt32 builds an int32 key. The encoding flips the sign bit so that
// byte order matches signed order.
func NewInt32(v int32) Key {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(v)^0x80000000)
	return Key{keyType: proto.ShardKeyTypeInt32, raw: raw}
}

// NewInt64 builds an int64 key.
func NewInt64(v int64) Key {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(v)^0x8000000000000000)
	return Key{keyType: proto.ShardKeyTypeInt64, raw: raw}
}

// NewGUID builds a guid key ordered by the natural byte order of the uuid.
func NewGUID(id uuid.UUID) Key {
	raw := make([]byte, 16)
	copy(raw, id[:])
	return Key{keyType: proto.ShardKeyTypeGUID, raw: raw}
}

// NewDateTime builds a datetime key with nanosecond precision.
func NewDateTime(t time.Time) Key {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(t.UnixNano())^0x8000000000000000)
	return Key{keyType: proto.ShardKeyTypeDateTime, raw: raw}
}

// NewBinary builds a binary key from at most MaxBinaryKeySize bytes.
func NewBinary(b []byte) (Key, error) {
	if len(b) > MaxBinaryKeySize {
		return Key{}, fmt.Errorf("binary key length %d exceeds %d", len(b), MaxBinaryKeySize)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Key{keyType: proto.ShardKeyTypeBinary, raw: raw}, nil
}

// Min returns the smallest key of the given type.
func Min(t proto.ShardKeyType) Key {
	switch t {
	case proto.ShardKeyTypeInt32:
		return Key{keyType: t, raw: make([]byte, 4)}
	case proto.ShardKeyTypeInt64, proto.ShardKeyTypeDateTime:
		return Key{keyType: t, raw: make([]byte, 8)}
	case proto.ShardKeyTypeGUID:
		return Key{keyType: t, raw: make([]byte, 16)}
	case proto.ShardKeyTypeBinary:
		return Key{keyType: t, raw: []byte{}}
	default:
		return Key{}
	}
}

// Max returns the unbounded max sentinel of the given type.
func Max(t proto.ShardKeyType) Key {
	return Key{keyType: t, max: true}
}

func rawSizeValid(t proto.ShardKeyType, n int) bool {
	switch t {
	case proto.ShardKeyTypeInt32:
		return n == 4
	case proto.ShardKeyTypeInt64, proto.ShardKeyTypeDateTime:
		return n == 8
	case proto.ShardKeyTypeGUID:
		return n == 16
	case proto.ShardKeyTypeBinary:
		return n <= MaxBinaryKeySize
	default:
		return false
	}
}

// FromRawValue rebuilds a key from its canonical encoding. A nil raw value
// denotes the unbounded max sentinel; an empty non-nil slice is the binary
// min value.
func FromRawValue(t proto.ShardKeyType, raw []byte) (Key, error) {
	if t == proto.ShardKeyTypeNone {
		return Key{}, fmt.Errorf("invalid shard key type %d", t)
	}
	if raw == nil {
		return Max(t), nil
	}
	if !rawSizeValid(t, len(raw)) {
		return Key{}, fmt.Errorf("invalid raw length %d for %s key", len(raw), t)
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Key{keyType: t, raw: cp}, nil
}

// Type returns the declared key type.
func (k Key) Type() proto.ShardKeyType { return k.keyType }

// IsMax reports whether this is the unbounded max sentinel.
func (k Key) IsMax() bool { return k.max }

// IsMin reports whether this is the smallest key of its type.
func (k Key) IsMin() bool {
	if k.max {
		return false
	}
	for _, b := range k.raw {
		if b != 0 {
			return false
		}
	}
	return k.keyType != proto.ShardKeyTypeNone
}

// RawValue returns a copy of the canonical encoding, nil for the max
// sentinel.
func (k Key) RawValue() []byte {
	if k.max {
		return nil
	}
	cp := make([]byte, len(k.raw))
	copy(cp, k.raw)
	return cp
}

// Compare orders k against other. Comparing keys of different declared
// types is an error.
func (k Key) Compare(other Key) (int, error) {
	if k.keyType != other.keyType {
		return 0, apierrors.New(apierrors.CategoryGeneral, apierrors.CodeShardKeyTypeMismatch,
			"CompareKeys", "cannot compare %s key with %s key", k.keyType, other.keyType)
	}
	return k.compare(other), nil
}

func (k Key) compare(other Key) int {
	switch {
	case k.max && other.max:
		return 0
	case k.max:
		return 1
	case other.max:
		return -1
	}
	return bytes.Compare(k.raw, other.raw)
}

// Equal reports whether the keys have the same type and value.
func (k Key) Equal(other Key) bool {
	return k.keyType == other.keyType && k.compare(other) == 0
}

// Next returns the smallest key strictly greater than k. The successor of
// the largest regular value is the max sentinel. For binary keys shorter
// than the size limit the successor appends a zero byte; at the limit the
// trailing bytes are incremented with carry.
func (k Key) Next() (Key, error) {
	if k.max {
		return Key{}, fmt.Errorf("max key of type %s has no successor", k.keyType)
	}
	if k.keyType == proto.ShardKeyTypeBinary && len(k.raw) < MaxBinaryKeySize {
		raw := make([]byte, len(k.raw)+1)
		copy(raw, k.raw)
		return Key{keyType: k.keyType, raw: raw}, nil
	}
	raw := make([]byte, len(k.raw))
	copy(raw, k.raw)
	for i := len(raw) - 1; i >= 0; i-- {
		raw[i]++
		if raw[i] != 0 {
			return Key{keyType: k.keyType, raw: raw}, nil
		}
	}
	return Max(k.keyType), nil
}

// Int32 decodes an int32 key value.
func (k Key) Int32() (int32, error) {
	if k.keyType != proto.ShardKeyTypeInt32 || k.max {
		return 0, fmt.Errorf("key is not a regular int32 key")
	}
	return int32(binary.BigEndian.Uint32(k.raw) ^ 0x80000000), nil
}

// Int64 decodes an int64 key value.
func (k Key) Int64() (int64, error) {
	if k.keyType != proto.ShardKeyTypeInt64 || k.max {
		return 0, fmt.Errorf("key is not a regular int64 key")
	}
	return int64(binary.BigEndian.Uint64(k.raw) ^ 0x8000000000000000), nil
}

// GUID decodes a guid key value.
func (k Key) GUID() (uuid.UUID, error) {
	if k.keyType != proto.ShardKeyTypeGUID || k.max {
		return uuid.Nil, fmt.Errorf("key is not a regular guid key")
	}
	var id uuid.UUID
	copy(id[:], k.raw)
	return id, nil
}

// DateTime decodes a datetime key value.
func (k Key) DateTime() (time.Time, error) {
	if k.keyType != proto.ShardKeyTypeDateTime || k.max {
		return time.Time{}, fmt.Errorf("key is not a regular datetime key")
	}
	nanos := int64(binary.BigEndian.Uint64(k.raw) ^ 0x8000000000000000)
	return time.Unix(0, nanos), nil
}

// Binary decodes a binary key value.
func (k Key) Binary() ([]byte, error) {
	if k.keyType != proto.ShardKeyTypeBinary || k.max {
		return nil, fmt.Errorf("key is not a regular binary key")
	}
	return k.RawValue(), nil
}

func (k Key) String() string {
	if k.max {
		return "+inf"
	}
	switch k.keyType {
	case proto.ShardKeyTypeInt32:
		v, _ := k.Int32()
		return fmt.Sprintf("%d", v)
	case proto.ShardKeyTypeInt64:
		v, _ := k.Int64()
		return fmt.Sprintf("%d", v)
	case proto.ShardKeyTypeDateTime:
		v, _ := k.DateTime()
		return v.UTC().Format(time.RFC3339Nano)
	case proto.ShardKeyTypeGUID:
		v, _ := k.GUID()
		return v.String()
	default:
		return "0x" + hex.EncodeToString(k.raw)
	}
}

// MinInt32Value and friends document the logical minimum per type.
var (
	MinInt32Value    = int32(math.MinInt32)
	MinInt64Value    = int64(math.MinInt64)
	MinDateTimeValue = time.Unix(0, math.MinInt64)
)
