package kv

import (
	"bytes"
	"fmt"
)

// Key escaping for composite keys. A zero byte in a component is written as
// 0x00 0xff, a component ends with 0x00 0x01. Composite keys sort by first
// component, then by what follows, and all entries for one first component
// share a prefix.
const (
	escByte  = 0x00
	escZero  = 0xff
	escEnd   = 0x01
	escBytes = 2
)

// AppendEscaped appends the escaped form of b, including terminator, to dst.
func AppendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escZero)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, escByte, escEnd)
}

// SplitEscaped parses an escaped component from the start of b, returning the
// component and the remaining bytes.
func SplitEscaped(b []byte) (comp, rest []byte, err error) {
	comp = make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			comp = append(comp, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("%w: truncated escape", ErrKey)
		}
		switch b[i+1] {
		case escZero:
			comp = append(comp, escByte)
			i++
		case escEnd:
			return comp, b[i+escBytes:], nil
		default:
			return nil, nil, fmt.Errorf("%w: bad escape 0x%02x", ErrKey, b[i+1])
		}
	}
	return nil, nil, fmt.Errorf("%w: missing terminator", ErrKey)
}

// Multi returns a MultiTree that stores its pairs in t, one entry per pair.
func Multi(t Tree) MultiTree {
	return multiTree{t}
}

type multiTree struct {
	t Tree
}

func pairKey(key, value []byte) []byte {
	k := AppendEscaped(make([]byte, 0, len(key)+escBytes+len(value)+4), key)
	return append(k, value...)
}

func (m multiTree) Get(key []byte) ([][]byte, error) {
	prefix := AppendEscaped(nil, key)
	var l [][]byte
	err := m.t.Range(prefix, func(k, v []byte) error {
		l = append(l, bytes.Clone(k[len(prefix):]))
		return nil
	})
	return l, err
}

func (m multiTree) InsertMulti(key, value []byte) error {
	return m.t.Insert(pairKey(key, value), nil)
}

func (m multiTree) RemoveMulti(key, value []byte) (bool, error) {
	return m.t.Remove(pairKey(key, value))
}

func (m multiTree) ForEach(fn func(k, v []byte) error) error {
	return m.t.ForEach(func(k, _ []byte) error {
		key, value, err := SplitEscaped(k)
		if err != nil {
			return err
		}
		return fn(key, value)
	})
}

func (m multiTree) Len() (int, error) {
	return m.t.Len()
}
