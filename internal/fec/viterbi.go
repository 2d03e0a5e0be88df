package fec

// Viterbi is a soft decision decoder for the CCSDS convolutional code. It
// decodes whole frames with unknown start and end states. A Viterbi reuses
// its decision memory and is not safe for concurrent use.
type Viterbi struct {
	expected  [128][2]int32
	metrics   [numStates]uint32
	next      [numStates]uint32
	decisions []uint64
}

// NewViterbi allocates decision memory for frames of up to maxBits decoded
// bits.
func NewViterbi(maxBits int) *Viterbi {
	v := &Viterbi{decisions: make([]uint64, 0, maxBits)}
	for reg := range v.expected {
		a, b := encoderOutput(uint8(reg))
		v.expected[reg] = [2]int32{int32(softSymbol(a)), int32(softSymbol(b))}
	}
	return v
}

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// Decode decodes len(soft)/2 bits into out, packed most significant bit
// first. out must hold len(soft)/16 bytes. It returns the number of coded
// symbols whose hard decision disagrees with the re-encoded output, which is
// an estimate of the channel bit errors.
func (v *Viterbi) Decode(soft []int8, out []byte) int {
	steps := len(soft) / 2
	v.decisions = v.decisions[:0]
	v.metrics = [numStates]uint32{}

	for t := 0; t < steps; t++ {
		s0, s1 := int32(soft[2*t]), int32(soft[2*t+1])
		var decision uint64
		min := ^uint32(0)
		for ns := 0; ns < numStates; ns++ {
			p := ns >> 1
			e0 := v.expected[ns]
			e1 := v.expected[ns|0x40]
			m0 := v.metrics[p] + uint32(abs32(s0-e0[0])+abs32(s1-e0[1]))
			m1 := v.metrics[p|0x20] + uint32(abs32(s0-e1[0])+abs32(s1-e1[1]))
			if m1 < m0 {
				m0 = m1
				decision |= 1 << uint(ns)
			}
			v.next[ns] = m0
			if m0 < min {
				min = m0
			}
		}
		for ns := range v.next {
			v.metrics[ns] = v.next[ns] - min
		}
		v.decisions = append(v.decisions, decision)
	}

	state := 0
	for ns := 1; ns < numStates; ns++ {
		if v.metrics[ns] < v.metrics[state] {
			state = ns
		}
	}

	for i := range out[:steps/8] {
		out[i] = 0
	}
	for t := steps - 1; t >= 0; t-- {
		if state&1 != 0 && t/8 < len(out) {
			out[t/8] |= 0x80 >> uint(t%8)
		}
		x := int(v.decisions[t]>>uint(state)) & 1
		state = state>>1 | x<<5
	}

	return v.countErrors(soft[:2*steps], out, uint8(state))
}

func (v *Viterbi) countErrors(soft []int8, decoded []byte, start uint8) int {
	enc := ConvEncoder{}
	enc.SetState(start)
	errs := 0
	for t := 0; t < len(soft)/2; t++ {
		bit := decoded[t/8] >> uint(7-t%8) & 1
		a, b := enc.EncodeBit(bit)
		if hard(soft[2*t]) != a {
			errs++
		}
		if hard(soft[2*t+1]) != b {
			errs++
		}
	}
	return errs
}

func hard(s int8) uint8 {
	if s > 0 {
		return 1
	}
	return 0
}
