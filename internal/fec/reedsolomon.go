package fec

import (
	"errors"
	"fmt"
)

// CCSDS RS(255,223) over GF(2^8) with field generator 0x187, first
// consecutive root 112 and primitive element alpha^11.
const (
	BlockSize  = 255
	DataSize   = 223
	ParitySize = BlockSize - DataSize
	// Interleave is the number of codewords per transfer frame.
	Interleave = 4

	gfPoly = 0x187
	fcr    = 112
	prim   = 11
	nn     = BlockSize
	a0     = nn
)

// ErrUncorrectable is returned when a codeword has more errors than the code
// can repair.
var ErrUncorrectable = errors.New("fec: uncorrectable reed-solomon codeword")

var (
	alphaTo [256]int
	indexOf [256]int
	genPoly [ParitySize + 1]int
	iprim   int

	// Conversions between the dual basis used on the wire and the
	// conventional basis the arithmetic works in.
	toDual [256]byte
	toConv [256]byte
)

func init() {
	indexOf[0] = a0
	alphaTo[a0] = 0
	sr := 1
	for i := 0; i < nn; i++ {
		indexOf[sr] = i
		alphaTo[i] = sr
		sr <<= 1
		if sr&0x100 != 0 {
			sr ^= gfPoly
		}
		sr &= nn
	}
	if sr != 1 {
		panic("fec: field generator polynomial is not primitive")
	}

	for iprim = 1; iprim%prim != 0; iprim += nn {
	}
	iprim /= prim

	genPoly[0] = 1
	for i, root := 0, fcr*prim; i < ParitySize; i, root = i+1, root+prim {
		genPoly[i+1] = 1
		for j := i; j > 0; j-- {
			if genPoly[j] != 0 {
				genPoly[j] = genPoly[j-1] ^ alphaTo[modnn(indexOf[genPoly[j]]+root)]
			} else {
				genPoly[j] = genPoly[j-1]
			}
		}
		genPoly[0] = alphaTo[modnn(indexOf[genPoly[0]]+root)]
	}
	for i := range genPoly {
		genPoly[i] = indexOf[genPoly[i]]
	}

	tal := [8]byte{0x8d, 0xef, 0xec, 0x86, 0xfa, 0x99, 0xaf, 0x7b}
	for i := 0; i < 256; i++ {
		var v byte
		for j := 0; j < 8; j++ {
			for k := 0; k < 8; k++ {
				if i&(1<<uint(k)) != 0 {
					v ^= tal[7-k] & (1 << uint(j))
				}
			}
		}
		toDual[i] = v
		toConv[v] = byte(i)
	}
}

func modnn(x int) int {
	for x >= nn {
		x -= nn
		x = (x >> 8) + (x & nn)
	}
	return x
}

// ReedSolomon encodes and decodes interleaved transfer frames. It keeps
// scratch space and is not safe for concurrent use.
type ReedSolomon struct {
	cw [BlockSize]byte
}

// NewReedSolomon returns a codec.
func NewReedSolomon() *ReedSolomon { return &ReedSolomon{} }

// Encode computes the parity of one dual basis codeword. data holds
// DataSize bytes, parity receives ParitySize bytes.
func (r *ReedSolomon) Encode(data, parity []byte) {
	for i := 0; i < DataSize; i++ {
		r.cw[i] = toConv[data[i]]
	}
	encode(r.cw[:DataSize], r.cw[DataSize:])
	for i := 0; i < ParitySize; i++ {
		parity[i] = toDual[r.cw[DataSize+i]]
	}
}

// Decode corrects one dual basis codeword of BlockSize bytes in place and
// returns the number of corrected symbols.
func (r *ReedSolomon) Decode(codeword []byte) (int, error) {
	if len(codeword) != BlockSize {
		return 0, fmt.Errorf("fec: codeword is %d bytes, want %d", len(codeword), BlockSize)
	}
	for i, b := range codeword {
		r.cw[i] = toConv[b]
	}
	n := decode(r.cw[:])
	if n < 0 {
		return 0, ErrUncorrectable
	}
	for i, b := range r.cw {
		codeword[i] = toDual[b]
	}
	return n, nil
}

// EncodeFrame fills frame (Interleave*BlockSize bytes) with data
// (Interleave*DataSize bytes) followed by interleaved parity.
func (r *ReedSolomon) EncodeFrame(data, frame []byte) {
	var cw [BlockSize]byte
	copy(frame, data[:Interleave*DataSize])
	for k := 0; k < Interleave; k++ {
		for i := 0; i < DataSize; i++ {
			cw[i] = data[i*Interleave+k]
		}
		r.Encode(cw[:DataSize], cw[DataSize:])
		for i := DataSize; i < BlockSize; i++ {
			frame[i*Interleave+k] = cw[i]
		}
	}
}

// DecodeFrame corrects an interleaved frame in place. corrected receives the
// symbol corrections per codeword, -1 for a codeword that failed. The frame
// is only usable when the returned error is nil.
func (r *ReedSolomon) DecodeFrame(frame []byte, corrected *[Interleave]int) error {
	if len(frame) != Interleave*BlockSize {
		return fmt.Errorf("fec: frame is %d bytes, want %d", len(frame), Interleave*BlockSize)
	}
	var cw [BlockSize]byte
	var failed error
	for k := 0; k < Interleave; k++ {
		for i := 0; i < BlockSize; i++ {
			cw[i] = frame[i*Interleave+k]
		}
		n, err := r.Decode(cw[:])
		if err != nil {
			corrected[k] = -1
			failed = err
			continue
		}
		corrected[k] = n
		for i := 0; i < BlockSize; i++ {
			frame[i*Interleave+k] = cw[i]
		}
	}
	return failed
}

// encode computes conventional basis parity for data.
func encode(data, parity []byte) {
	for i := range parity {
		parity[i] = 0
	}
	for i := 0; i < len(data); i++ {
		feedback := indexOf[int(data[i]^parity[0])]
		if feedback != a0 {
			for j := 1; j < ParitySize; j++ {
				parity[j] ^= byte(alphaTo[modnn(feedback+genPoly[ParitySize-j])])
			}
		}
		copy(parity, parity[1:])
		if feedback != a0 {
			parity[ParitySize-1] = byte(alphaTo[modnn(feedback+genPoly[0])])
		} else {
			parity[ParitySize-1] = 0
		}
	}
}

// decode corrects a conventional basis codeword in place using
// Berlekamp-Massey, a Chien search and Forney's algorithm. It returns the
// number of corrected symbols or -1.
func decode(data []byte) int {
	var s [ParitySize]int
	for i := range s {
		s[i] = int(data[0])
	}
	for j := 1; j < nn; j++ {
		for i := range s {
			if s[i] == 0 {
				s[i] = int(data[j])
			} else {
				s[i] = int(data[j]) ^ alphaTo[modnn(indexOf[s[i]]+(fcr+i)*prim)]
			}
		}
	}
	synError := 0
	for i := range s {
		synError |= s[i]
		s[i] = indexOf[s[i]]
	}
	if synError == 0 {
		return 0
	}

	var lambda, b, t [ParitySize + 1]int
	lambda[0] = 1
	for i := range b {
		b[i] = indexOf[lambda[i]]
	}

	el := 0
	for r := 1; r <= ParitySize; r++ {
		discr := 0
		for i := 0; i < r; i++ {
			if lambda[i] != 0 && s[r-i-1] != a0 {
				discr ^= alphaTo[modnn(indexOf[lambda[i]]+s[r-i-1])]
			}
		}
		discr = indexOf[discr]
		if discr == a0 {
			copy(b[1:], b[:ParitySize])
			b[0] = a0
			continue
		}
		t[0] = lambda[0]
		for i := 0; i < ParitySize; i++ {
			if b[i] != a0 {
				t[i+1] = lambda[i+1] ^ alphaTo[modnn(discr+b[i])]
			} else {
				t[i+1] = lambda[i+1]
			}
		}
		if 2*el <= r-1 {
			el = r - el
			for i := range b {
				if lambda[i] == 0 {
					b[i] = a0
				} else {
					b[i] = modnn(indexOf[lambda[i]] - discr + nn)
				}
			}
		} else {
			copy(b[1:], b[:ParitySize])
			b[0] = a0
		}
		lambda = t
	}

	degLambda := 0
	for i := range lambda {
		lambda[i] = indexOf[lambda[i]]
		if lambda[i] != a0 {
			degLambda = i
		}
	}

	var reg [ParitySize + 1]int
	copy(reg[1:], lambda[1:])
	var root, loc [ParitySize]int
	count := 0
	for i, k := 1, iprim-1; i <= nn; i, k = i+1, modnn(k+iprim) {
		q := 1
		for j := degLambda; j > 0; j-- {
			if reg[j] != a0 {
				reg[j] = modnn(reg[j] + j)
				q ^= alphaTo[reg[j]]
			}
		}
		if q != 0 {
			continue
		}
		root[count] = i
		loc[count] = k
		count++
		if count == degLambda {
			break
		}
	}
	if degLambda != count {
		return -1
	}

	degOmega := degLambda - 1
	var omega [ParitySize + 1]int
	for i := 0; i <= degOmega; i++ {
		tmp := 0
		for j := i; j >= 0; j-- {
			if s[i-j] != a0 && lambda[j] != a0 {
				tmp ^= alphaTo[modnn(s[i-j]+lambda[j])]
			}
		}
		omega[i] = indexOf[tmp]
	}

	for j := count - 1; j >= 0; j-- {
		num1 := 0
		for i := degOmega; i >= 0; i-- {
			if omega[i] != a0 {
				num1 ^= alphaTo[modnn(omega[i]+i*root[j])]
			}
		}
		num2 := alphaTo[modnn(root[j]*(fcr-1)+nn)]
		den := 0
		start := degLambda
		if start > ParitySize-1 {
			start = ParitySize - 1
		}
		for i := start &^ 1; i >= 0; i -= 2 {
			if lambda[i+1] != a0 {
				den ^= alphaTo[modnn(lambda[i+1]+i*root[j])]
			}
		}
		if den == 0 {
			return -1
		}
		if num1 != 0 {
			data[loc[j]] ^= byte(alphaTo[modnn(indexOf[num1]+indexOf[num2]+nn-indexOf[den])])
		}
	}
	return count
}
