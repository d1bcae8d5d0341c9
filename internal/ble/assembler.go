package ble

import (
	"bytes"
	"errors"
)

// AssemblyMax bounds the accumulated payload across writes.
const AssemblyMax = 512

// ErrOverflow means the accumulated fragments exceeded the buffer and were dropped.
var ErrOverflow = errors.New("ble: payload exceeds assembly buffer")

// Assembler joins characteristic writes into one payload. A payload is
// considered complete as soon as the accumulated bytes contain a '}'.
// A brace inside a JSON string value therefore ends the payload early;
// the parse then fails and the fragments are discarded.
type Assembler struct {
	buf []byte
	max int
}

// NewAssembler returns an Assembler bounded to max bytes. A non-positive
// max uses AssemblyMax.
func NewAssembler(max int) *Assembler {
	if max <= 0 {
		max = AssemblyMax
	}
	return &Assembler{max: max}
}

// Feed appends one fragment. When the buffer holds a closing brace it
// returns the whole accumulation and starts over. If the fragment would
// overflow the buffer, everything is dropped and ErrOverflow is returned.
func (a *Assembler) Feed(fragment []byte) ([]byte, bool, error) {
	if len(a.buf)+len(fragment) > a.max {
		a.Reset()
		return nil, false, ErrOverflow
	}
	a.buf = append(a.buf, fragment...)

	if bytes.IndexByte(a.buf, '}') < 0 {
		return nil, false, nil
	}
	candidate := a.buf
	a.buf = nil
	return candidate, true, nil
}

// Reset drops any partial payload.
func (a *Assembler) Reset() {
	a.buf = nil
}

// Len returns the number of buffered bytes.
func (a *Assembler) Len() int {
	return len(a.buf)
}
