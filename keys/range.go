package keys

import (
	"fmt"

	"github.com/cubefs/shardmap/proto"
)

// Range is the half-open interval [low, high) over shard keys. High may be
// the unbounded max sentinel.
type Range struct {
	low  Key
	high Key
}

// NewRange validates low < high and that both keys share a type.
func NewRange(low, high Key) (Range, error) {
	if low.Type() != high.Type() || low.Type() == proto.ShardKeyTypeNone {
		return Range{}, fmt.Errorf("range boundaries must share a valid key type, got %s and %s", low.Type(), high.Type())
	}
	if low.IsMax() {
		return Range{}, fmt.Errorf("range low boundary cannot be the max sentinel")
	}
	if low.compare(high) >= 0 {
		return Range{}, fmt.Errorf("range low boundary %s must be less than high boundary %s", low, high)
	}
	return Range{low: low, high: high}, nil
}

// NewFullRange covers the whole key domain of the given type.
func NewFullRange(t proto.ShardKeyType) Range {
	return Range{low: Min(t), high: Max(t)}
}

// NewPointRange converts a point key into its canonical half-open range
// [key, next(key)).
func NewPointRange(k Key) (Range, error) {
	next, err := k.Next()
	if err != nil {
		return Range{}, err
	}
	return Range{low: k, high: next}, nil
}

// Low returns the inclusive lower boundary.
func (r Range) Low() Key { return r.low }

// High returns the exclusive upper boundary.
func (r Range) High() Key { return r.high }

// KeyType returns the key type of the boundaries.
func (r Range) KeyType() proto.ShardKeyType { return r.low.Type() }

// IsZero reports an uninitialized range.
func (r Range) IsZero() bool { return r.low.Type() == proto.ShardKeyTypeNone }

// Contains reports whether the key falls inside the range.
func (r Range) Contains(k Key) (bool, error) {
	if k.Type() != r.KeyType() {
		return false, fmt.Errorf("cannot test %s key against %s range", k.Type(), r.KeyType())
	}
	return r.low.compare(k) <= 0 && k.compare(r.high) < 0, nil
}

// ContainsRange reports whether other lies fully inside r.
func (r Range) ContainsRange(other Range) bool {
	if other.KeyType() != r.KeyType() {
		return false
	}
	return r.low.compare(other.low) <= 0 && other.high.compare(r.high) <= 0
}

// Intersects reports whether the two half-open ranges overlap.
func (r Range) Intersects(other Range) (bool, error) {
	if other.KeyType() != r.KeyType() {
		return false, fmt.Errorf("cannot intersect %s range with %s range", r.KeyType(), other.KeyType())
	}
	return r.low.compare(other.high) < 0 && other.low.compare(r.high) < 0, nil
}

// AdjacentBelow reports whether r ends exactly where other begins.
func (r Range) AdjacentBelow(other Range) bool {
	return r.KeyType() == other.KeyType() && r.high.compare(other.low) == 0
}

// Split divides r at point into [low, point) and [point, high). The split
// point must be strictly inside the range; splitting at either boundary is
// rejected since it would produce an empty piece.
func (r Range) Split(point Key) ([2]Range, error) {
	if point.Type() != r.KeyType() {
		return [2]Range{}, fmt.Errorf("cannot split %s range at %s key", r.KeyType(), point.Type())
	}
	if r.low.compare(point) >= 0 || point.compare(r.high) >= 0 {
		return [2]Range{}, fmt.Errorf("split point %s is not strictly inside range %s", point, r)
	}
	return [2]Range{
		{low: r.low, high: point},
		{low: point, high: r.high},
	}, nil
}

// Merge joins r with an exactly adjacent range, in either order.
func (r Range) Merge(other Range) (Range, error) {
	if other.KeyType() != r.KeyType() {
		return Range{}, fmt.Errorf("cannot merge %s range with %s range", r.KeyType(), other.KeyType())
	}
	switch {
	case r.AdjacentBelow(other):
		return Range{low: r.low, high: other.high}, nil
	case other.AdjacentBelow(r):
		return Range{low: other.low, high: r.high}, nil
	default:
		return Range{}, fmt.Errorf("ranges %s and %s are not adjacent", r, other)
	}
}

// Equal reports boundary equality.
func (r Range) Equal(other Range) bool {
	return r.KeyType() == other.KeyType() &&
		r.low.compare(other.low) == 0 && r.high.compare(other.high) == 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.low, r.high)
}
