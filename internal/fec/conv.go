// Package fec implements the CCSDS forward error correction used on the GOES
// LRIT/HRIT downlinks: the K=7 rate 1/2 convolutional code with its soft
// decision Viterbi decoder, the pseudo-random derandomizer and the
// RS(255,223) block code in dual basis representation, interleaved four deep.
package fec

import "math/bits"

const (
	// ConstraintLength of the convolutional code.
	ConstraintLength = 7

	numStates = 1 << (ConstraintLength - 1)
	stateMask = numStates - 1

	// Generator polynomials with the newest bit in the least significant
	// position. The second output is inverted.
	polyA = 0x4f
	polyB = 0x6d

	// SoftOne is the soft value of a confident one bit.
	SoftOne = 127
)

func parity(x uint8) uint8 { return uint8(bits.OnesCount8(x) & 1) }

// encoderOutput returns the two coded bits for a 7 bit shift register value.
func encoderOutput(reg uint8) (uint8, uint8) {
	return parity(reg & polyA), parity(reg&polyB) ^ 1
}

// ConvEncoder is the CCSDS K=7 r=1/2 convolutional encoder. The zero value
// starts from the all zero state.
type ConvEncoder struct {
	state uint8
}

// SetState seeds the encoder with the six most recent input bits, newest in
// the least significant position.
func (e *ConvEncoder) SetState(state uint8) { e.state = state & stateMask }

// State returns the six most recent input bits.
func (e *ConvEncoder) State() uint8 { return e.state }

// EncodeBit shifts one bit in and returns the two coded bits.
func (e *ConvEncoder) EncodeBit(b uint8) (uint8, uint8) {
	reg := (e.state<<1 | b&1) & 0x7f
	e.state = reg & stateMask
	return encoderOutput(reg)
}

// EncodeSoft encodes data most significant bit first and appends one ideal
// soft symbol per coded bit to out.
func (e *ConvEncoder) EncodeSoft(data []byte, out []int8) []int8 {
	for _, by := range data {
		for i := 7; i >= 0; i-- {
			a, b := e.EncodeBit(by >> uint(i))
			out = append(out, softSymbol(a), softSymbol(b))
		}
	}
	return out
}

func softSymbol(bit uint8) int8 {
	if bit != 0 {
		return SoftOne
	}
	return -SoftOne
}
