package value

import (
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeObj struct{}

func (fakeObj) TypeName() string { return "Widget" }
func (fakeObj) Address() uint64  { return 0x7f00 }
func (fakeObj) Repr() string     { return "<Widget id=3>" }

func TestRepr(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	lim := Limits{MaxItems: 3, MaxString: 5, MaxDepth: 2}
	cases := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{true, "True"},
		{int64(-7), "-7"},
		{huge, "123456789012345678901234567890"},
		{2.0, "2.0"},
		{0.5, "0.5"},
		{math.Inf(-1), "-inf"},
		{"it's", `"it's"`},
		{"a\nb", `'a\nb'`},
		{"abcdefgh", "'abcde'..."},
		{[]byte{'h', 0, 0xff}, `b'h\x00\xff'`},
		{[]any{1, 2}, "[1, 2]"},
		{[]any{1, 2, 3, 4}, "[1, 2, 3, ...]"},
		{Tuple{1}, "(1,)"},
		{Tuple{}, "()"},
		{Set{}, "set()"},
		{Dict{{Key: "a", Value: 1}, {Key: 2, Value: nil}}, "{'a': 1, 2: None}"},
		{[]any{[]any{[]any{1}}}, "[[[...]]]"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Encode(c.in, lim).String(), "%#v", c.in)
	}

	obj := Encode(fakeObj{}, Limits{})
	assert.Equal(t, "<Widget id=3>", obj.String())
	assert.Equal(t, "Widget", obj.Type)
	assert.Equal(t, uint64(0x7f00), obj.Addr)
	assert.Equal(t, "<Widget object at 0x10>", Value{Kind: KindObject, Type: "Widget", Addr: 0x10}.String())
}

func TestTruncationKeepsLength(t *testing.T) {
	v := Encode(strings.Repeat("é", 300), Limits{})
	assert.True(t, v.Truncated)
	assert.Equal(t, 300, v.Len)
	assert.Equal(t, DefaultLimits.MaxString, len([]rune(v.Text)))

	items := make([]any, 40)
	v = Encode(items, Limits{})
	assert.Len(t, v.Items, DefaultLimits.MaxItems)
	assert.Equal(t, 40, v.Len)
}

func TestMapKeysSorted(t *testing.T) {
	v := Encode(map[string]any{"b": 2, "a": 1}, Limits{})
	assert.Equal(t, "{'a': 1, 'b': 2}", v.String())
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, v.Native())
}

func TestSurvivesMsgpack(t *testing.T) {
	v := Encode(Dict{{Key: "xs", Value: Tuple{1, "two", 3.5}}}, Limits{})
	data, err := msgpack.Marshal(v)
	assert.NoError(t, err)

	var got Value
	assert.NoError(t, msgpack.Unmarshal(data, &got))
	assert.Equal(t, v.String(), got.String())
	assert.Equal(t, "{'xs': (1, 'two', 3.5)}", got.String())
}
