package source

// cu8Offset re-centres unsigned samples. The rtl-sdr midpoint sits at 127.4
// rather than 127.5.
const cu8Offset = 127.4 / 128

// Normalize converts unsigned 8 bit I/Q to complex samples in roughly
// [-1, 1], four samples per iteration. len(src) must be a multiple of
// BlockBytes and dst must hold len(src)/2 samples.
func Normalize(dst []complex64, src []byte) {
	dst = dst[:len(src)/2]
	for i, j := 0, 0; i+BlockBytes <= len(src); i, j = i+BlockBytes, j+BlockSamples {
		b := (*[BlockBytes]byte)(src[i : i+BlockBytes])
		d := (*[BlockSamples]complex64)(dst[j : j+BlockSamples])
		var f [BlockBytes]float32
		f[0] = float32(b[0])*(1.0/128) - cu8Offset
		f[1] = float32(b[1])*(1.0/128) - cu8Offset
		f[2] = float32(b[2])*(1.0/128) - cu8Offset
		f[3] = float32(b[3])*(1.0/128) - cu8Offset
		f[4] = float32(b[4])*(1.0/128) - cu8Offset
		f[5] = float32(b[5])*(1.0/128) - cu8Offset
		f[6] = float32(b[6])*(1.0/128) - cu8Offset
		f[7] = float32(b[7])*(1.0/128) - cu8Offset
		d[0] = complex(f[0], f[1])
		d[1] = complex(f[2], f[3])
		d[2] = complex(f[4], f[5])
		d[3] = complex(f[6], f[7])
	}
}

// NormalizeScalar is the reference conversion, one sample at a time.
func NormalizeScalar(dst []complex64, src []byte) {
	for i := 0; i+1 < len(src); i += 2 {
		re := float32(src[i])/128 - cu8Offset
		im := float32(src[i+1])/128 - cu8Offset
		dst[i/2] = complex(re, im)
	}
}

// NormalizeSigned converts signed 8 bit I/Q to complex samples in [-1, 1).
func NormalizeSigned(dst []complex64, src []byte) {
	dst = dst[:len(src)/2]
	for i, j := 0, 0; i+BlockBytes <= len(src); i, j = i+BlockBytes, j+BlockSamples {
		b := (*[BlockBytes]byte)(src[i : i+BlockBytes])
		d := (*[BlockSamples]complex64)(dst[j : j+BlockSamples])
		d[0] = complex(float32(int8(b[0]))/128, float32(int8(b[1]))/128)
		d[1] = complex(float32(int8(b[2]))/128, float32(int8(b[3]))/128)
		d[2] = complex(float32(int8(b[4]))/128, float32(int8(b[5]))/128)
		d[3] = complex(float32(int8(b[6]))/128, float32(int8(b[7]))/128)
	}
}

func normalizer(f Format) func(dst []complex64, src []byte) {
	if f == CS8 {
		return NormalizeSigned
	}
	return Normalize
}
