// Package value is the bounded, serializable picture of a Python object that
// crosses the execution channel.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the shape of a value.
type Kind string

const (
	KindNone   Kind = "none"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindStr    Kind = "str"
	KindBytes  Kind = "bytes"
	KindList   Kind = "list"
	KindTuple  Kind = "tuple"
	KindSet    Kind = "set"
	KindDict   Kind = "dict"
	KindObject Kind = "object"
)

// Value is a preview of an object. Containers and strings may be cut short;
// Len always holds the full length and Truncated says whether anything was
// left out.
type Value struct {
	Kind      Kind    `msgpack:"k"`
	Type      string  `msgpack:"t,omitempty"`
	Bool      bool    `msgpack:"b,omitempty"`
	Int       int64   `msgpack:"i,omitempty"`
	Float     float64 `msgpack:"f,omitempty"`
	// Text is the content of str and bytes values, the decimal form of ints
	// that do not fit Int, or the repr of an opaque object.
	Text      string  `msgpack:"s,omitempty"`
	Addr      uint64  `msgpack:"a,omitempty"`
	Len       int     `msgpack:"n,omitempty"`
	Keys      []Value `msgpack:"ks,omitempty"`
	Items     []Value `msgpack:"is,omitempty"`
	Truncated bool    `msgpack:"tr,omitempty"`
}

// None is the None value.
func None() Value { return Value{Kind: KindNone, Type: "NoneType"} }

// Int returns an int value.
func Int(i int64) Value { return Value{Kind: KindInt, Type: "int", Int: i} }

// Str returns a str value.
func Str(s string) Value { return Value{Kind: KindStr, Type: "str", Text: s, Len: utf8.RuneCountInString(s)} }

// String renders v the way Python's repr would, with "..." marking cuts.
func (v Value) String() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.Kind {
	case KindNone, "":
		b.WriteString("None")
	case KindBool:
		if v.Bool {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case KindInt:
		if v.Text != "" {
			b.WriteString(v.Text)
		} else {
			b.WriteString(strconv.FormatInt(v.Int, 10))
		}
	case KindFloat:
		b.WriteString(formatFloat(v.Float))
	case KindStr:
		b.WriteString(quote(v.Text, ""))
		if v.Truncated {
			b.WriteString("...")
		}
	case KindBytes:
		b.WriteString(quote(v.Text, "b"))
		if v.Truncated {
			b.WriteString("...")
		}
	case KindList:
		v.writeSeq(b, "[", "]")
	case KindTuple:
		v.writeSeq(b, "(", ")")
	case KindSet:
		if len(v.Items) == 0 && !v.Truncated {
			b.WriteString(v.typeName("set") + "()")
			return
		}
		v.writeSeq(b, "{", "}")
	case KindDict:
		b.WriteByte('{')
		for i := range v.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			if i < len(v.Keys) {
				v.Keys[i].write(b)
			}
			b.WriteString(": ")
			v.Items[i].write(b)
		}
		if v.Truncated {
			if len(v.Items) > 0 {
				b.WriteString(", ")
			}
			b.WriteString("...")
		}
		b.WriteByte('}')
	default:
		if v.Text != "" {
			b.WriteString(v.Text)
			return
		}
		fmt.Fprintf(b, "<%s object at %#x>", v.typeName("object"), v.Addr)
	}
}

func (v Value) writeSeq(b *strings.Builder, open, close string) {
	b.WriteString(open)
	for i, it := range v.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		it.write(b)
	}
	if v.Truncated {
		if len(v.Items) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	} else if v.Kind == KindTuple && len(v.Items) == 1 {
		b.WriteByte(',')
	}
	b.WriteString(close)
}

func (v Value) typeName(def string) string {
	if v.Type != "" {
		return v.Type
	}
	return def
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// quote follows repr's choice of single quotes unless the text holds a
// single quote and no double quote.
func quote(s, prefix string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(q)
	if prefix == "b" {
		for i := 0; i < len(s); i++ {
			writeEscaped(&b, rune(s[i]), q, true)
		}
	} else {
		for _, r := range s {
			writeEscaped(&b, r, q, false)
		}
	}
	b.WriteByte(q)
	return b.String()
}

func writeEscaped(b *strings.Builder, r rune, q byte, raw bool) {
	switch {
	case r == '\\':
		b.WriteString(`\\`)
	case r == rune(q):
		b.WriteByte('\\')
		b.WriteByte(q)
	case r == '\n':
		b.WriteString(`\n`)
	case r == '\r':
		b.WriteString(`\r`)
	case r == '\t':
		b.WriteString(`\t`)
	case r < 0x20 || r == 0x7f || (raw && r > 0x7f):
		fmt.Fprintf(b, `\x%02x`, r)
	default:
		b.WriteRune(r)
	}
}
