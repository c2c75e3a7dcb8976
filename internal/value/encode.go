package value

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"unicode/utf8"
)

// Limits bound how much of an object is previewed.
type Limits struct {
	MaxItems  int `yaml:"max_items"`
	MaxString int `yaml:"max_string"`
	MaxDepth  int `yaml:"max_depth"`
}

// DefaultLimits are used when a limit is zero.
var DefaultLimits = Limits{MaxItems: 16, MaxString: 256, MaxDepth: 2}

func (l Limits) normalized() Limits {
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultLimits.MaxItems
	}
	if l.MaxString <= 0 {
		l.MaxString = DefaultLimits.MaxString
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	return l
}

// Object is an interpreter object with no Go counterpart.
type Object interface {
	TypeName() string
	Address() uint64
	Repr() string
}

// Tuple, Set and Dict mark Go values that should encode as the matching
// Python container. A plain []any encodes as a list.
type (
	Tuple []any
	Set   []any
	Dict  []Pair
)

// Pair is one dict entry.
type Pair struct {
	Key   any
	Value any
}

// Encode builds a bounded preview of x.
func Encode(x any, lim Limits) Value {
	return encode(x, lim.normalized(), 0)
}

func encode(x any, lim Limits, depth int) Value {
	switch t := x.(type) {
	case nil:
		return None()
	case Value:
		return t
	case bool:
		return Value{Kind: KindBool, Type: "bool", Bool: t}
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint32:
		return Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return Value{Kind: KindInt, Type: "int", Text: fmt.Sprint(t)}
		}
		return Int(int64(t))
	case *big.Int:
		if t.IsInt64() {
			return Int(t.Int64())
		}
		return Value{Kind: KindInt, Type: "int", Text: t.String()}
	case float32:
		return Value{Kind: KindFloat, Type: "float", Float: float64(t)}
	case float64:
		return Value{Kind: KindFloat, Type: "float", Float: t}
	case string:
		return cutString(t, lim)
	case []byte:
		v := Value{Kind: KindBytes, Type: "bytes", Len: len(t)}
		if len(t) > lim.MaxString {
			t, v.Truncated = t[:lim.MaxString], true
		}
		v.Text = string(t)
		return v
	case Tuple:
		return encodeSeq(KindTuple, "tuple", t, lim, depth)
	case Set:
		return encodeSeq(KindSet, "set", t, lim, depth)
	case []any:
		return encodeSeq(KindList, "list", t, lim, depth)
	case Dict:
		return encodeDict(t, lim, depth)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := make(Dict, 0, len(keys))
		for _, k := range keys {
			d = append(d, Pair{Key: k, Value: t[k]})
		}
		return encodeDict(d, lim, depth)
	case Object:
		v := cutString(t.Repr(), lim)
		v.Kind, v.Type, v.Addr = KindObject, t.TypeName(), t.Address()
		v.Len = 0
		return v
	case error:
		return Value{Kind: KindObject, Type: fmt.Sprintf("%T", t), Text: t.Error()}
	}
	v := cutString(fmt.Sprintf("%v", x), lim)
	v.Kind, v.Type, v.Len = KindObject, fmt.Sprintf("%T", x), 0
	return v
}

func cutString(s string, lim Limits) Value {
	v := Value{Kind: KindStr, Type: "str", Len: utf8.RuneCountInString(s)}
	if v.Len > lim.MaxString {
		n, i := 0, 0
		for i = range s {
			if n == lim.MaxString {
				break
			}
			n++
		}
		s, v.Truncated = s[:i], true
	}
	v.Text = s
	return v
}

func encodeSeq(kind Kind, typ string, items []any, lim Limits, depth int) Value {
	v := Value{Kind: kind, Type: typ, Len: len(items)}
	if depth >= lim.MaxDepth {
		v.Truncated = len(items) > 0
		return v
	}
	n := min(len(items), lim.MaxItems)
	v.Items = make([]Value, 0, n)
	for _, it := range items[:n] {
		v.Items = append(v.Items, encode(it, lim, depth+1))
	}
	v.Truncated = n < len(items)
	return v
}

func encodeDict(d Dict, lim Limits, depth int) Value {
	v := Value{Kind: KindDict, Type: "dict", Len: len(d)}
	if depth >= lim.MaxDepth {
		v.Truncated = len(d) > 0
		return v
	}
	n := min(len(d), lim.MaxItems)
	for _, p := range d[:n] {
		v.Keys = append(v.Keys, encode(p.Key, lim, depth+1))
		v.Items = append(v.Items, encode(p.Value, lim, depth+1))
	}
	v.Truncated = n < len(d)
	return v
}

// Native converts v to plain Go values for JSON-style output. Dict keys are
// rendered with repr unless they are strings.
func (v Value) Native() any {
	switch v.Kind {
	case KindNone, "":
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		if v.Text != "" {
			return v.Text
		}
		return v.Int
	case KindFloat:
		return v.Float
	case KindStr:
		return v.Text
	case KindBytes:
		return []byte(v.Text)
	case KindList, KindTuple, KindSet:
		out := make([]any, 0, len(v.Items))
		for _, it := range v.Items {
			out = append(out, it.Native())
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.Items))
		for i, it := range v.Items {
			k := v.Keys[i]
			key := k.Text
			if k.Kind != KindStr {
				key = k.String()
			}
			out[key] = it.Native()
		}
		return out
	}
	return v.String()
}
