package source

// NearestGain returns the supported tuner gain closest to want. Both are in
// tenths of a dB, the unit librtlsdr reports. It returns want when gains is
// empty.
func NearestGain(gains []int, want int) int {
	if len(gains) == 0 {
		return want
	}
	best := gains[0]
	for _, g := range gains[1:] {
		if abs(g-want) < abs(best-want) {
			best = g
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// hackRFGains splits a total gain in dB over the HackRF LNA (0-40 dB in 8 dB
// steps) and VGA (0-62 dB in 2 dB steps) stages.
func hackRFGains(total float64) (lna, vga int) {
	if total < 0 {
		total = 0
	}
	lna = int(total) / 8 * 8
	if lna > 40 {
		lna = 40
	}
	vga = (int(total) - lna) / 2 * 2
	if vga > 62 {
		vga = 62
	}
	return lna, vga
}
