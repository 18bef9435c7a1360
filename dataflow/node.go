// Package dataflow defines the host executor's boundary types: graph
// nodes, tensor values, shape-inference context, and the executor
// interface the engine drives but does not implement. None of this is
// the dataflow executor itself — spec.md scopes that out — it is only
// the contract the engine's estimate/run/finish pipeline calls through.
package dataflow

import (
	"encoding/binary"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is a tensor element type, just enough for the estimator to
// compute byte sizes from shapes. BFloat16 and Float16 are carried
// separately from Float32/Float64 because their element size (and, for
// BFloat16, the teacher's own bfloat16 truncation behavior) differs
// from the ordinary IEEE widths.
type DType int

const (
	Float32 DType = iota
	Float64
	Float16Type
	BFloat16
	Int32
	Int64
	Bool
	Unknown
)

// SizeOf returns the size in bytes of one element of d, or 0 for
// Unknown (callers treat that as "contributes nothing, with a
// warning", per spec.md §4.5).
func (d DType) SizeOf() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16Type, BFloat16:
		return 2
	case Bool:
		return 1
	default:
		return 0
	}
}

// NarrowFromFloat32 converts f to the narrow representation d encodes,
// returning its two-byte bit pattern. It panics if d is not a
// two-byte float type; callers only reach for this when building test
// fixtures for a Float16Type/BFloat16 output, never on the hot path.
func NarrowFromFloat32(d DType, f float32) uint16 {
	switch d {
	case Float16Type:
		return uint16(float16.Fromfloat32(f))
	case BFloat16:
		return encodeBFloat16(f)
	default:
		panic("dataflow: NarrowFromFloat32 called with a non-narrow dtype")
	}
}

// encodeBFloat16 truncates f to its bfloat16 bit pattern using the same
// encoder the teacher's GGUF tensor conversion path uses for
// bfloat16-quantized weights.
func encodeBFloat16(f float32) uint16 {
	buf := bfloat16.EncodeFloat32([]float32{f})
	return binary.LittleEndian.Uint16(buf)
}

// InputSpec describes one input slot of a Node, just enough to detect
// reference-typed inputs (spec.md §4.7 step 2, §4.8 step 1).
type InputSpec struct {
	Name  string
	IsRef bool
}

// Node is a graph node: one operator instance plus enough bookkeeping
// for the engine to drive it through prepare/run/finish.
type Node struct {
	ID             string
	Name           string
	OpType         string
	SessionHandle  string
	IsDead         bool
	IsTransferNode bool
	NumOutputs     int
	Inputs         []InputSpec
}

// HasRefInput reports whether any of node's declared inputs are
// reference-typed.
func (n *Node) HasRefInput() bool {
	for _, in := range n.Inputs {
		if in.IsRef {
			return true
		}
	}
	return false
}

// Value is a tensor handle as it flows through the graph: the engine
// never inspects Bytes itself, it only propagates Values between the
// kernel and the executor's rendezvous/ready-set machinery.
type Value struct {
	Name  string
	Bytes []byte
	IsRef bool
}

// ShapeContext exposes what the shape-inference subsystem knows about
// a node's outputs, consumed by the estimator's shape-inference path.
type ShapeContext interface {
	NumOutputs() int
	RankKnown(output int) bool
	Rank(output int) int
	ValueKnown(output, dim int) bool
	Value(output, dim int) int64
	OutputDType(output int) DType
}
