package fec

// pn is one period of the CCSDS pseudo-random sequence generated by
// x^8 + x^7 + x^5 + x^3 + 1 from the all ones state.
var pn = func() [255]byte {
	var seq [255]byte
	var x [255 * 8]byte
	for i := 0; i < 8; i++ {
		x[i] = 1
	}
	for n := 0; n+8 < len(x); n++ {
		x[n+8] = x[n+7] ^ x[n+5] ^ x[n+3] ^ x[n]
	}
	for i := range seq {
		for j := 0; j < 8; j++ {
			seq[i] = seq[i]<<1 | x[i*8+j]
		}
	}
	return seq
}()

// Derandomize XORs data in place with the pseudo-random sequence, starting at
// the first byte after the sync marker. Applying it twice is the identity.
func Derandomize(data []byte) {
	for i := range data {
		data[i] ^= pn[i%len(pn)]
	}
}
