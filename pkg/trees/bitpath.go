// Copyright 2025 Intmax Protocol
//
// Bit paths address interior nodes of a sparse Merkle tree. The root is
// the empty path; each level appends one direction bit, most significant
// first.

package trees

import "encoding/binary"

// BitPath identifies a node: Depth levels below the root, following the
// low Depth bits of Path (bit Depth-1 is the first turn taken from the
// root, bit 0 the last).
type BitPath struct {
	Depth uint32
	Path  uint64
}

// RootPath is the address of the root node.
var RootPath = BitPath{}

// Child returns the path one level down. right selects the 1-branch.
func (p BitPath) Child(right bool) BitPath {
	next := BitPath{Depth: p.Depth + 1, Path: p.Path << 1}
	if right {
		next.Path |= 1
	}
	return next
}

// Sibling returns the other child of this node's parent.
func (p BitPath) Sibling() BitPath {
	return BitPath{Depth: p.Depth, Path: p.Path ^ 1}
}

// Parent returns the path one level up.
func (p BitPath) Parent() BitPath {
	return BitPath{Depth: p.Depth - 1, Path: p.Path >> 1}
}

// IsRight reports whether this node is the 1-child of its parent.
func (p BitPath) IsRight() bool {
	return p.Path&1 == 1
}

// LeafPath returns the full-depth path of the leaf at the given index.
func LeafPath(height int, index uint64) BitPath {
	return BitPath{Depth: uint32(height), Path: index}
}

// Bytes returns the canonical 9-byte key used by the node store.
func (p BitPath) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = byte(p.Depth)
	binary.BigEndian.PutUint64(out[1:], p.Path)
	return out
}

// BitPathFromBytes parses a key produced by Bytes.
func BitPathFromBytes(raw []byte) BitPath {
	if len(raw) != 9 {
		return BitPath{}
	}
	return BitPath{
		Depth: uint32(raw[0]),
		Path:  binary.BigEndian.Uint64(raw[1:]),
	}
}
