package packetizer

import (
	"encoding/binary"

	"github.com/rjboer/lritrecv/internal/fec"
)

const (
	// SyncWord is the CCSDS attached sync marker leading every frame.
	SyncWord uint32 = 0x1acffc1d

	syncBytes = 4
	// CADUSize is the length of a channel access data unit: sync marker plus
	// the Reed-Solomon coded transfer frame.
	CADUSize = syncBytes + fec.Interleave*fec.BlockSize
	// FrameSymbols is the number of soft bits carrying one CADU at rate 1/2.
	FrameSymbols = CADUSize * 8 * 2
	// PacketSize is the decoded virtual channel data unit size.
	PacketSize = fec.Interleave * fec.DataSize

	// syncSkip is the number of leading encoded sync symbols that depend on
	// the previous frame's tail and are ignored when correlating.
	syncSkip    = 2 * (fec.ConstraintLength - 1)
	syncSymbols = syncBytes*8*2 - syncSkip
)

// syncPattern holds the hard decisions of the encoded sync marker that do not
// depend on the encoder state.
var syncPattern = func() [syncSymbols]uint8 {
	var asm [syncBytes]byte
	binary.BigEndian.PutUint32(asm[:], SyncWord)
	soft := (&fec.ConvEncoder{}).EncodeSoft(asm[:], nil)
	var p [syncSymbols]uint8
	for i := range p {
		if soft[syncSkip+i] > 0 {
			p[i] = 1
		}
	}
	return p
}()

// SyncSymbols is the number of encoded sync symbols compared while searching;
// it bounds the useful range of Config.SyncThreshold.
const SyncSymbols = syncSymbols

// correlate returns how many state independent sync symbols at the start of
// soft agree with the marker, for normal and inverted polarity.
func correlate(soft []int8) (normal, inverted int) {
	for i, want := range syncPattern {
		var got uint8
		if soft[syncSkip+i] > 0 {
			got = 1
		}
		if got == want {
			normal++
		}
	}
	return normal, syncSymbols - normal
}

// Packet is one decoded virtual channel data unit.
type Packet []byte

// Version returns the transfer frame version number.
func (p Packet) Version() int { return int(p[0] >> 6) }

// SpacecraftID returns the 8 bit spacecraft identifier.
func (p Packet) SpacecraftID() int { return int(p[0]&0x3f)<<2 | int(p[1]>>6) }

// VirtualChannelID returns the 6 bit virtual channel identifier.
func (p Packet) VirtualChannelID() int { return int(p[1] & 0x3f) }

// Counter returns the 24 bit virtual channel frame counter.
func (p Packet) Counter() uint32 {
	return uint32(p[2])<<16 | uint32(p[3])<<8 | uint32(p[4])
}

// EncodeFrame appends the soft symbols of one transmitted frame carrying
// packet to out: sync marker, randomized Reed-Solomon frame, convolutional
// code. It is the exact inverse of what the packetizer undoes, and is used to
// build loopback streams.
func EncodeFrame(enc *fec.ConvEncoder, rs *fec.ReedSolomon, packet []byte, out []int8) []int8 {
	cadu := make([]byte, CADUSize)
	binary.BigEndian.PutUint32(cadu, SyncWord)
	rs.EncodeFrame(packet[:PacketSize], cadu[syncBytes:])
	fec.Derandomize(cadu[syncBytes:])
	return enc.EncodeSoft(cadu, out)
}
