package agent

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	goversion "github.com/hashicorp/go-version"

	"pyprobe/internal/channel"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

const (
	maxStringRead = 4096
	maxTypeName   = 64
	maxLocals     = 512
	maxDictSlots  = 1 << 16
	longShift     = 30
)

// Memory reads interpreter memory. tracee.Memory satisfies it, and so does
// ProcMemory.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
}

// ObjectLayout holds the object offsets a memory walk needs besides the
// frame chain offsets a Descriptor carries.
type ObjectLayout struct {
	CodeFirstLine int64 `yaml:"code_first_line"`
	// CodeLocalNames is co_varnames, or co_localsplusnames from 3.11 on.
	CodeLocalNames int64 `yaml:"code_local_names"`
	CodeFilename   int64 `yaml:"code_filename"`
	CodeName       int64 `yaml:"code_name"`

	ObjectType int64 `yaml:"object_type"`
	TypeName   int64 `yaml:"type_name"`
	VarSize    int64 `yaml:"var_size"`
	TupleItems int64 `yaml:"tuple_items"`
	StrLength  int64 `yaml:"str_length"`
	StrState   int64 `yaml:"str_state"`
	StrData    int64 `yaml:"str_data"`
	FloatValue int64 `yaml:"float_value"`
	LongDigits int64 `yaml:"long_digits"`
	// LongTag selects the lv_tag encoding of 3.12 over a signed ob_size.
	LongTag bool `yaml:"long_tag"`

	DictKeys    int64 `yaml:"dict_keys"`
	DictValues  int64 `yaml:"dict_values"`
	KeysSize    int64 `yaml:"keys_size"`
	KeysEntries int64 `yaml:"keys_entries"`
	KeysIndices int64 `yaml:"keys_indices"`
}

func cpythonObjects(firstLine, localNames, filename, name, strData int64, longTag bool) ObjectLayout {
	return ObjectLayout{
		CodeFirstLine:  firstLine,
		CodeLocalNames: localNames,
		CodeFilename:   filename,
		CodeName:       name,
		ObjectType:     8,
		TypeName:       24,
		VarSize:        16,
		TupleItems:     24,
		StrLength:      16,
		StrState:       32,
		StrData:        strData,
		FloatValue:     16,
		LongDigits:     24,
		LongTag:        longTag,
		DictKeys:       32,
		DictValues:     40,
		KeysSize:       8,
		KeysEntries:    32,
		KeysIndices:    40,
	}
}

var builtinObjects = []struct {
	constraint string
	layout     ObjectLayout
}{
	{">= 3.6, < 3.8", cpythonObjects(36, 64, 96, 104, 48, false)},
	{">= 3.8, < 3.11", cpythonObjects(40, 72, 104, 112, 48, false)},
	{">= 3.11, < 3.12", cpythonObjects(72, 96, 112, 120, 48, false)},
	{">= 3.12, < 3.13", cpythonObjects(68, 96, 112, 120, 40, true)},
}

// ObjectsFor returns the built-in object layout of a CPython release.
func ObjectsFor(ver string) (ObjectLayout, error) {
	v, err := goversion.NewVersion(ver)
	if err != nil {
		return ObjectLayout{}, fmt.Errorf("%w: %q: %v", probeerr.ErrUnsupportedVersion, ver, err)
	}
	for _, b := range builtinObjects {
		c, err := goversion.NewConstraint(b.constraint)
		if err != nil {
			return ObjectLayout{}, err
		}
		if c.Check(v.Core()) {
			return b.layout, nil
		}
	}
	return ObjectLayout{}, fmt.Errorf("%w: no object layout for %s", probeerr.ErrUnsupportedVersion, ver)
}

// MemoryInterpreter reads frames, code objects and locals straight out of
// memory, following the offsets of the Descriptor each request carries.
type MemoryInterpreter struct {
	Mem     Memory
	Objects ObjectLayout
	// Interp returns the address of the PyInterpreterState to walk.
	Interp func() (uint64, error)
	// Line maps a frame to its current line. When nil a frame reports the
	// first line of its code object.
	Line func(frame, code uint64) (int, error)
	// Eval runs source for Evaluate. When nil evaluation is refused.
	Eval func(source string) (any, error)
}

var _ Interpreter = (*MemoryInterpreter)(nil)

// FrameHead follows the thread state list head to the innermost frame. A
// thread without a running frame reports address 0.
func (m *MemoryInterpreter) FrameHead(layout versions.Descriptor) (uint64, error) {
	if m.Interp == nil {
		return 0, fmt.Errorf("%w: no interpreter state", probeerr.ErrCorruptedFrameChain)
	}
	is, err := m.Interp()
	if err != nil {
		return 0, err
	}
	if is == 0 {
		return 0, fmt.Errorf("%w: null interpreter state", probeerr.ErrCorruptedFrameChain)
	}
	o := layout.Offsets
	ts, err := m.ptr(is, o.InterpHead)
	if err != nil {
		return 0, fmt.Errorf("%w: thread list of %#x: %v", probeerr.ErrCorruptedFrameChain, is, err)
	}
	if ts == 0 {
		return 0, nil
	}
	f, err := m.ptr(ts, o.ThreadCurrentFrame)
	if err == nil && f != 0 && o.CFrameCurrentFrame != versions.NoIndirection {
		f, err = m.ptr(f, o.CFrameCurrentFrame)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: current frame of thread %#x: %v", probeerr.ErrCorruptedFrameChain, ts, err)
	}
	return f, nil
}

func (m *MemoryInterpreter) Frame(addr uint64, layout versions.Descriptor) (Frame, error) {
	o := layout.Offsets
	code, err := m.ptr(addr, o.FrameCode)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %#x: %v", ErrNoFrame, addr, err)
	}
	if code == 0 {
		return Frame{}, fmt.Errorf("%w: %#x has no code object", ErrNoFrame, addr)
	}
	back, err := m.ptr(addr, o.FrameBack)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %#x: %v", ErrNoFrame, addr, err)
	}
	f := Frame{Back: back, CodeAddr: code}
	if m.Line != nil {
		f.Line, err = m.Line(addr, code)
	} else {
		f.Line, err = m.firstLine(code)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: line of %#x: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	return f, nil
}

func (m *MemoryInterpreter) Code(addr uint64) (channel.Code, error) {
	ol := m.Objects
	name, err := m.strAt(addr, ol.CodeName)
	if err != nil {
		return channel.Code{}, fmt.Errorf("%w: code %#x name: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	file, err := m.strAt(addr, ol.CodeFilename)
	if err != nil {
		return channel.Code{}, fmt.Errorf("%w: code %#x filename: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	line, err := m.firstLine(addr)
	if err != nil {
		return channel.Code{}, fmt.Errorf("%w: code %#x: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	return channel.Code{Name: name, Filename: file, FirstLine: line}, nil
}

// Locals reads the f_locals dict of a dict layout, or the localsplus slots
// of a fast layout named by the code object's local names. Unbound slots are
// left out.
func (m *MemoryInterpreter) Locals(addr uint64, layout versions.Descriptor) ([]Binding, error) {
	o := layout.Offsets
	switch layout.Locals {
	case versions.LocalsDict:
		d, err := m.ptr(addr, o.FrameLocals)
		if err != nil {
			return nil, fmt.Errorf("%w: %#x: %v", ErrNoFrame, addr, err)
		}
		if d == 0 {
			return nil, nil
		}
		return m.dictBindings(d)
	case versions.LocalsFast:
		code, err := m.ptr(addr, o.FrameCode)
		if err != nil || code == 0 {
			return nil, fmt.Errorf("%w: %#x has no code object", ErrNoFrame, addr)
		}
		names, err := m.ptr(code, m.Objects.CodeLocalNames)
		if err != nil {
			return nil, fmt.Errorf("%w: local names of %#x: %v", probeerr.ErrCorruptedFrameChain, code, err)
		}
		items, err := m.tuple(names)
		if err != nil {
			return nil, err
		}
		out := make([]Binding, 0, len(items))
		for i, item := range items {
			slot, err := m.ptr(addr, o.FrameLocals+int64(i)*8)
			if err != nil {
				return nil, fmt.Errorf("%w: local %d of %#x: %v", probeerr.ErrCorruptedFrameChain, i, addr, err)
			}
			if slot == 0 {
				continue
			}
			name, err := m.str(item)
			if err != nil {
				return nil, err
			}
			v, err := m.object(slot)
			if err != nil {
				return nil, err
			}
			out = append(out, Binding{Name: name, Value: v})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown locals kind %q", channel.ErrInvalidRequest, layout.Locals)
}

func (m *MemoryInterpreter) Evaluate(source string) (any, error) {
	if m.Eval == nil {
		return nil, fmt.Errorf("%w: evaluation is not available", channel.ErrInvalidRequest)
	}
	return m.Eval(source)
}

func (m *MemoryInterpreter) read(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.Mem.ReadMemory(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *MemoryInterpreter) u64(addr uint64) (uint64, error) {
	buf, err := m.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (m *MemoryInterpreter) u32(addr uint64) (uint32, error) {
	buf, err := m.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (m *MemoryInterpreter) ptr(base uint64, off int64) (uint64, error) {
	if base == 0 {
		return 0, fmt.Errorf("null pointer at offset %d", off)
	}
	return m.u64(base + uint64(off))
}

func (m *MemoryInterpreter) firstLine(code uint64) (int, error) {
	v, err := m.u32(code + uint64(m.Objects.CodeFirstLine))
	return int(int32(v)), err
}

func (m *MemoryInterpreter) strAt(base uint64, off int64) (string, error) {
	p, err := m.ptr(base, off)
	if err != nil {
		return "", err
	}
	return m.str(p)
}

// str reads a compact ASCII str. Other representations come back as an
// error since names and filenames are always ASCII in practice.
func (m *MemoryInterpreter) str(addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w: null str", probeerr.ErrCorruptedFrameChain)
	}
	ol := m.Objects
	n, err := m.u64(addr + uint64(ol.StrLength))
	if err != nil {
		return "", err
	}
	state, err := m.u32(addr + uint64(ol.StrState))
	if err != nil {
		return "", err
	}
	const compactASCII = 1<<5 | 1<<6
	if state&compactASCII != compactASCII {
		return "", fmt.Errorf("%w: str %#x is not compact ASCII", probeerr.ErrCorruptedFrameChain, addr)
	}
	if n > maxStringRead {
		n = maxStringRead
	}
	buf, err := m.read(addr+uint64(ol.StrData), int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (m *MemoryInterpreter) tuple(addr uint64) ([]uint64, error) {
	ol := m.Objects
	n, err := m.ptr(addr, ol.VarSize)
	if err != nil {
		return nil, fmt.Errorf("%w: tuple %#x: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	if n > maxLocals {
		return nil, fmt.Errorf("%w: tuple %#x claims %d items", probeerr.ErrCorruptedFrameChain, addr, n)
	}
	items := make([]uint64, n)
	for i := range items {
		if items[i], err = m.u64(addr + uint64(ol.TupleItems) + uint64(i)*8); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (m *MemoryInterpreter) typeName(addr uint64) (string, error) {
	typ, err := m.ptr(addr, m.Objects.ObjectType)
	if err != nil {
		return "", err
	}
	name, err := m.ptr(typ, m.Objects.TypeName)
	if err != nil {
		return "", err
	}
	// tp_name is a C string that may sit near the end of a mapping.
	var out []byte
	for len(out) < maxTypeName {
		buf, err := m.read(name+uint64(len(out)), 8)
		if err != nil {
			return "", err
		}
		for _, c := range buf {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
	}
	return string(out), nil
}

// object converts the scalars a preview can show natively and wraps
// everything else as an opaque value.Object.
func (m *MemoryInterpreter) object(addr uint64) (any, error) {
	typ, err := m.typeName(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: object %#x: %v", probeerr.ErrCorruptedFrameChain, addr, err)
	}
	switch typ {
	case "NoneType":
		return nil, nil
	case "str":
		if s, err := m.str(addr); err == nil {
			return s, nil
		}
	case "int", "bool":
		n, err := m.long(addr)
		if err != nil {
			return nil, err
		}
		if typ == "bool" {
			return n.Sign() != 0, nil
		}
		return n, nil
	case "float":
		bits, err := m.u64(addr + uint64(m.Objects.FloatValue))
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	}
	return rawObject{typ: typ, addr: addr}, nil
}

func (m *MemoryInterpreter) long(addr uint64) (*big.Int, error) {
	ol := m.Objects
	head, err := m.u64(addr + uint64(ol.VarSize))
	if err != nil {
		return nil, err
	}
	var ndigits uint64
	var negative bool
	if ol.LongTag {
		ndigits, negative = head>>3, head&3 == 2
	} else {
		size := int64(head)
		negative = size < 0
		if negative {
			size = -size
		}
		ndigits = uint64(size)
	}
	if ndigits > 64 {
		return nil, fmt.Errorf("%w: int %#x claims %d digits", probeerr.ErrCorruptedFrameChain, addr, ndigits)
	}
	n := new(big.Int)
	for i := int(ndigits) - 1; i >= 0; i-- {
		d, err := m.u32(addr + uint64(ol.LongDigits) + uint64(i)*4)
		if err != nil {
			return nil, err
		}
		n.Lsh(n, longShift).Or(n, big.NewInt(int64(d)))
	}
	if negative {
		n.Neg(n)
	}
	return n, nil
}

// dictBindings reads a 3.6 to 3.10 dict with str keys. Entries with other
// keys are skipped.
func (m *MemoryInterpreter) dictBindings(addr uint64) ([]Binding, error) {
	ol := m.Objects
	keys, err := m.ptr(addr, ol.DictKeys)
	if err != nil || keys == 0 {
		return nil, fmt.Errorf("%w: dict %#x has no keys", probeerr.ErrCorruptedFrameChain, addr)
	}
	values, err := m.ptr(addr, ol.DictValues)
	if err != nil {
		return nil, err
	}
	size, err := m.u64(keys + uint64(ol.KeysSize))
	if err != nil {
		return nil, err
	}
	n, err := m.u64(keys + uint64(ol.KeysEntries))
	if err != nil {
		return nil, err
	}
	if size > maxDictSlots || n > size {
		return nil, fmt.Errorf("%w: dict %#x claims %d of %d slots", probeerr.ErrCorruptedFrameChain, addr, n, size)
	}
	width := uint64(8)
	switch {
	case size <= 0xff:
		width = 1
	case size <= 0xffff:
		width = 2
	case size <= 0xffffffff:
		width = 4
	}
	entries := keys + uint64(ol.KeysIndices) + size*width

	var out []Binding
	for i := uint64(0); i < n; i++ {
		e := entries + i*24
		key, err := m.u64(e + 8)
		if err != nil {
			return nil, err
		}
		var val uint64
		if values != 0 {
			val, err = m.u64(values + i*8)
		} else {
			val, err = m.u64(e + 16)
		}
		if err != nil {
			return nil, err
		}
		if key == 0 || val == 0 {
			continue
		}
		name, err := m.str(key)
		if err != nil {
			continue
		}
		v, err := m.object(val)
		if err != nil {
			return nil, err
		}
		out = append(out, Binding{Name: name, Value: v})
	}
	return out, nil
}

type rawObject struct {
	typ  string
	addr uint64
}

var _ value.Object = rawObject{}

func (o rawObject) TypeName() string { return o.typ }
func (o rawObject) Address() uint64  { return o.addr }
func (o rawObject) Repr() string     { return fmt.Sprintf("<%s object at %#x>", o.typ, o.addr) }
