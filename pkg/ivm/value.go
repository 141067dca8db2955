package ivm

import (
	"fmt"
	"math"
	"math/big"
)

// Value is a single column value. Supported dynamic types are nil, bool, string and the Go
// numeric types, including *big.Int.
type Value = any

// boundValue is a sentinel that sorts before (minValue) or after (maxValue) every Value. It is
// used to build bound rows for index scans.
type boundValue int8

const (
	minValue boundValue = -1
	maxValue boundValue = 1
)

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
	kindBound
	kindUnknown
)

func kindOf(v Value) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, *big.Int:
		return kindNumber
	case string:
		return kindString
	case boundValue:
		return kindBound
	default:
		return kindUnknown
	}
}

// CompareValues imposes a total order on values: nil sorts lowest, then values compare within
// their own type. Numbers compare numerically across Go numeric types and strings compare
// bytewise. Comparing values of different non-nil types panics.
func CompareValues(a, b Value) int {
	c, err := compareValues(a, b)
	if err != nil {
		panic(newInvariantError(ErrTypeMismatch, "%s", err))
	}
	return c
}

func compareValues(a, b Value) (int, error) {
	ka, kb := kindOf(a), kindOf(b)

	if ka == kindBound || kb == kindBound {
		return compareBounds(a, b), nil
	}

	if ka == kindNull || kb == kindNull {
		switch {
		case ka == kb:
			return 0, nil
		case ka == kindNull:
			return -1, nil
		default:
			return 1, nil
		}
	}

	if ka != kb || ka == kindUnknown {
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}

	switch ka {
	case kindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0, nil
		case !ab:
			return -1, nil
		default:
			return 1, nil
		}
	case kindString:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return compareNumbers(a, b), nil
	}
}

func compareBounds(a, b Value) int {
	ab, aok := a.(boundValue)
	bb, bok := b.(boundValue)
	switch {
	case aok && bok:
		return cmpInt(int(ab), int(bb))
	case aok:
		return int(ab)
	default:
		return -int(bb)
	}
}

// numeric is the normalized form of a number: an int64, a float64 or a big integer.
type numeric struct {
	i     int64
	f     float64
	big   *big.Int
	isInt bool
}

func toNumeric(v Value) numeric {
	switch n := v.(type) {
	case int:
		return numeric{i: int64(n), isInt: true}
	case int8:
		return numeric{i: int64(n), isInt: true}
	case int16:
		return numeric{i: int64(n), isInt: true}
	case int32:
		return numeric{i: int64(n), isInt: true}
	case int64:
		return numeric{i: n, isInt: true}
	case uint:
		return fromUint64(uint64(n))
	case uint8:
		return numeric{i: int64(n), isInt: true}
	case uint16:
		return numeric{i: int64(n), isInt: true}
	case uint32:
		return numeric{i: int64(n), isInt: true}
	case uint64:
		return fromUint64(n)
	case float32:
		return numeric{f: float64(n)}
	case float64:
		return numeric{f: n}
	case *big.Int:
		if n.IsInt64() {
			return numeric{i: n.Int64(), isInt: true}
		}
		return numeric{big: n}
	}
	return numeric{f: math.NaN()}
}

func fromUint64(u uint64) numeric {
	if u <= math.MaxInt64 {
		return numeric{i: int64(u), isInt: true}
	}
	return numeric{big: new(big.Int).SetUint64(u)}
}

func (n numeric) bigFloat() *big.Float {
	switch {
	case n.big != nil:
		return new(big.Float).SetInt(n.big)
	case n.isInt:
		return new(big.Float).SetInt64(n.i)
	default:
		return big.NewFloat(n.f)
	}
}

func compareNumbers(a, b Value) int {
	na, nb := toNumeric(a), toNumeric(b)
	switch {
	case na.isInt && nb.isInt:
		return cmpInt64(na.i, nb.i)
	case na.big == nil && nb.big == nil && !na.isInt && !nb.isInt:
		return cmpFloat(na.f, nb.f)
	case na.big == nil && nb.big == nil:
		// one int64, one float64
		fa, fb := na.f, nb.f
		if na.isInt {
			fa = float64(na.i)
		}
		if nb.isInt {
			fb = float64(nb.i)
		}
		return cmpFloat(fa, fb)
	case na.big != nil && nb.big != nil:
		return na.big.Cmp(nb.big)
	default:
		if math.IsNaN(na.f) || math.IsNaN(nb.f) {
			return cmpFloat(na.f, nb.f)
		}
		return na.bigFloat().Cmp(nb.bigFloat())
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpFloat orders NaN below every other float.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ValuesEqual reports whether two values are equal for the purposes of constraints and join
// keys. Following SQL semantics, nil is not equal to anything, including nil.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return false
	}
	c, err := compareValues(a, b)
	return err == nil && c == 0
}
