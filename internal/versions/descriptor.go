// Package versions maps CPython releases to the byte offsets of the
// interpreter structures the frame walker reads.
package versions

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// LocalsKind says how a frame stores its local variables.
type LocalsKind string

const (
	// LocalsDict is the f_locals dict of PyFrameObject (3.10 and older).
	LocalsDict LocalsKind = "dict"
	// LocalsFast is the localsplus array of _PyInterpreterFrame (3.11+).
	LocalsFast LocalsKind = "fast"
)

// NoIndirection marks a thread state that points straight at its frame.
const NoIndirection int64 = -1

// Offsets are byte offsets into interpreter structures on a 64-bit target.
type Offsets struct {
	// ThreadCurrentFrame is PyThreadState.frame, or PyThreadState.cframe
	// when CFrameCurrentFrame is not NoIndirection.
	ThreadCurrentFrame int64 `yaml:"thread_current_frame" msgpack:"tcf"`
	// CFrameCurrentFrame is _PyCFrame.current_frame. Descriptor files set it
	// through fileOffsets so that leaving it out means NoIndirection.
	CFrameCurrentFrame int64 `yaml:"-" msgpack:"ccf"`
	// FrameCode is the code object pointer inside a frame.
	FrameCode int64 `yaml:"frame_code" msgpack:"fc"`
	// FrameLocals is f_locals or localsplus depending on LocalsKind.
	FrameLocals int64 `yaml:"frame_locals" msgpack:"fl"`
	// FrameBack is f_back or previous.
	FrameBack int64 `yaml:"frame_back" msgpack:"fb"`
	// InterpHead is the thread state list head in PyInterpreterState.
	InterpHead int64 `yaml:"interp_head" msgpack:"ih"`
}

// Descriptor is one layout generation.
type Descriptor struct {
	Name       string     `yaml:"name" msgpack:"name"`
	Constraint string     `yaml:"versions" msgpack:"versions"`
	Locals     LocalsKind `yaml:"locals" msgpack:"locals"`
	Offsets    Offsets    `yaml:"offsets" msgpack:"offsets"`
}

// Validate checks the constraint syntax and that offsets are sane.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	if _, err := goversion.NewConstraint(d.Constraint); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	switch d.Locals {
	case LocalsDict, LocalsFast:
	default:
		return fmt.Errorf("descriptor %s: unknown locals kind %q", d.Name, d.Locals)
	}
	o := d.Offsets
	for name, v := range map[string]int64{
		"thread_current_frame": o.ThreadCurrentFrame,
		"frame_code":           o.FrameCode,
		"frame_locals":         o.FrameLocals,
		"frame_back":           o.FrameBack,
		"interp_head":          o.InterpHead,
	} {
		if v < 0 || v%8 != 0 {
			return fmt.Errorf("descriptor %s: %s offset %d is not a pointer slot", d.Name, name, v)
		}
	}
	if o.CFrameCurrentFrame != NoIndirection && (o.CFrameCurrentFrame < 0 || o.CFrameCurrentFrame%8 != 0) {
		return fmt.Errorf("descriptor %s: cframe_current_frame offset %d is not a pointer slot", d.Name, o.CFrameCurrentFrame)
	}
	return nil
}

// builtin is the layout history the probe ships with. Append only: a new
// CPython layout is a new entry.
var builtin = []Descriptor{
	{
		Name:       "cpython-3.6-3.10",
		Constraint: ">= 3.6, < 3.11",
		Locals:     LocalsDict,
		Offsets: Offsets{
			ThreadCurrentFrame: 24,
			CFrameCurrentFrame: NoIndirection,
			FrameCode:          32,
			FrameLocals:        56,
			FrameBack:          24,
			InterpHead:         8,
		},
	},
	{
		Name:       "cpython-3.11",
		Constraint: ">= 3.11, < 3.12",
		Locals:     LocalsFast,
		Offsets: Offsets{
			ThreadCurrentFrame: 56,
			CFrameCurrentFrame: 8,
			FrameCode:          32,
			FrameLocals:        72,
			FrameBack:          48,
			InterpHead:         16,
		},
	},
	{
		Name:       "cpython-3.12",
		Constraint: ">= 3.12, < 3.13",
		Locals:     LocalsFast,
		Offsets: Offsets{
			ThreadCurrentFrame: 56,
			CFrameCurrentFrame: 0,
			FrameCode:          0,
			FrameLocals:        72,
			FrameBack:          8,
			InterpHead:         72,
		},
	},
}
