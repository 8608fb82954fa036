package lknet

import "encoding/binary"

// CRC791 accumulates the Internet checksum of RFC 791 and RFC 1071: the
// ones' complement of the ones' complement sum of 16-bit big endian words.
// An odd trailing byte is padded with a zero low byte.
//
// The zero value is an empty sum.
type CRC791 struct {
	sum uint32
}

// fold reduces a 32-bit accumulator to the complemented 16-bit checksum.
func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func addWords(sum uint32, b []byte) uint32 {
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	return sum
}

// WriteEven adds the 16-bit words of b. A trailing odd byte is ignored.
func (c *CRC791) WriteEven(b []byte) { c.sum = addWords(c.sum, b) }

// AddUint16 adds one word.
func (c *CRC791) AddUint16(v uint16) { c.sum += uint32(v) }

// AddUint32 adds v as two words, high word first.
func (c *CRC791) AddUint32(v uint32) { c.sum += v>>16 + v&0xffff }

// AddPseudoHeader adds the IPv4 pseudo-header that TCP checksums cover:
// both addresses, the protocol number and the segment length.
func (c *CRC791) AddPseudoHeader(src, dst [4]byte, proto IPProto, length uint16) {
	c.AddUint32(binary.BigEndian.Uint32(src[:]))
	c.AddUint32(binary.BigEndian.Uint32(dst[:]))
	c.AddUint16(uint16(proto))
	c.AddUint16(length)
}

// Sum16 returns the checksum of everything added so far.
func (c *CRC791) Sum16() uint16 { return fold(c.sum) }

// PayloadSum16 returns the checksum of the running sum plus b, padding an
// odd last byte. c is left unchanged.
func (c *CRC791) PayloadSum16(b []byte) uint16 {
	sum := addWords(c.sum, b)
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return fold(sum)
}

func (c *CRC791) Reset() { c.sum = 0 }

// NeverZeroChecksum maps a computed checksum of 0 to its ones' complement
// equivalent 0xffff, since a zero checksum field reads as "not computed".
func NeverZeroChecksum(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
