// Package lknet holds the definitions shared by the packages of the lknet
// TCP engine: protocol numbers, generic errors, the RFC 791 checksum and
// header field validation.
package lknet

//go:generate stringer -type=errGeneric,IPProto -linecomment -output stringers.go .

// IPProto represents the IP protocol number.
type IPProto uint8

// IP protocol numbers as carried in the IPv4 header and TCP pseudo-header.
const (
	IPProtoICMP IPProto = 1  // ICMP
	IPProtoTCP  IPProto = 6  // TCP
	IPProtoUDP  IPProto = 17 // UDP
)

// IsZeroAddr4 reports whether addr is the IPv4 unspecified address 0.0.0.0.
func IsZeroAddr4(addr [4]byte) bool { return addr == [4]byte{} }
