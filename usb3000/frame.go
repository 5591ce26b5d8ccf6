package usb3000

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/snksoft/crc"
)

// The card speaks fixed 8-byte command frames on its bulk OUT endpoint:
//
//	0     opcode
//	1     channel (card pin)
//	2-5   float32 payload, little endian
//	6-7   CRC-16/XMODEM over bytes 0-5, big endian
//
// Only the "analog output immediately" opcode is used here; the rest of the
// card's command set (waveform buffers, digital IO) is out of scope.
const (
	opAOImmediately = 0x10

	frameLen = 8
)

var crcTable = crc.NewTable(crc.XMODEM)

// frameCRC computes the two-byte CRC in a concurrent safe way.
func frameCRC(buf []byte) uint16 {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	return crcTable.CRC16(crcUint)
}

// encodeAOImmediately builds the set-voltage frame for one channel.
func encodeAOImmediately(channel byte, voltage float32) [frameLen]byte {
	var out [frameLen]byte
	out[0] = opAOImmediately
	out[1] = channel
	binary.LittleEndian.PutUint32(out[2:6], math.Float32bits(voltage))
	binary.BigEndian.PutUint16(out[6:8], frameCRC(out[:6]))
	return out
}

// decodeAOImmediately parses and checks a set-voltage frame.  It exists for
// the frame tests and for any future loopback diagnostics; the card itself
// never talks back on the AO path.
func decodeAOImmediately(b []byte) (channel byte, voltage float32, err error) {
	if len(b) != frameLen {
		return 0, 0, fmt.Errorf("usb3000: frame is %d bytes, want %d", len(b), frameLen)
	}
	if b[0] != opAOImmediately {
		return 0, 0, fmt.Errorf("usb3000: opcode 0x%02x is not AO-immediately", b[0])
	}
	want := frameCRC(b[:6])
	got := binary.BigEndian.Uint16(b[6:8])
	if want != got {
		return 0, 0, fmt.Errorf("usb3000: CRC mismatch, frame 0x%04x computed 0x%04x", got, want)
	}
	channel = b[1]
	voltage = math.Float32frombits(binary.LittleEndian.Uint32(b[2:6]))
	return channel, voltage, nil
}
