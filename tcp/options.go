package tcp

import (
	"encoding/binary"

	"github.com/lkstack/lknet"
)

// OptionKind is the kind byte of a TCP option.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0 // end of option list
	OptNop            OptionKind = 1 // no-operation
	OptMaxSegmentSize OptionKind = 2 // maximum segment size
	OptWindowScale    OptionKind = 3 // window scale
	OptSACKPermitted  OptionKind = 4 // SACK permitted
	OptSACK           OptionKind = 5 // SACK
	OptTimestamps     OptionKind = 8 // timestamps
)

const sizeOptionMSS = 4

// fixedSize is the total length, kind and length bytes included, of options
// whose size is fixed by their RFC. Zero means variable or unknown.
func (kind OptionKind) fixedSize() int {
	switch kind {
	case OptMaxSegmentSize:
		return sizeOptionMSS
	case OptWindowScale:
		return 3
	case OptSACKPermitted:
		return 2
	case OptTimestamps:
		return 10
	}
	return 0
}

// OptionCodec writes and walks the kind-length-value options that follow
// the fixed TCP header. The zero value is ready to use.
type OptionCodec struct{}

// PutOption16 writes an option with a two byte value, such as MSS.
func (OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], v)
	return OptionCodec{}.PutOption(dst, kind, data[:]...)
}

// PutOption writes kind, length and data to dst and returns the bytes used.
// The single byte kinds End and Nop are rejected.
func (OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	n := 2 + len(data)
	switch {
	case kind == OptEnd || kind == OptNop:
		return 0, lknet.ErrInvalidField
	case n > 0xff:
		return 0, lknet.ErrInvalidLengthField
	case len(dst) < n:
		return 0, lknet.ErrShortBuffer
	}
	dst[0], dst[1] = byte(kind), byte(n)
	copy(dst[2:n], data)
	return n, nil
}

// ForEachOption calls fn with the data of each option up to End. Unknown
// kinds are skipped over by their length field; known kinds with the wrong
// length fail with [lknet.ErrInvalidLengthField].
func (OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	for len(opts) > 0 {
		kind := OptionKind(opts[0])
		switch kind {
		case OptEnd:
			return nil
		case OptNop:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			return lknet.ErrShortBuffer
		}
		size := int(opts[1])
		if size < 2 || size > len(opts) {
			return lknet.ErrShortBuffer
		}
		if want := kind.fixedSize(); want != 0 && size != want {
			return lknet.ErrInvalidLengthField
		}
		if err := fn(kind, opts[2:size]); err != nil {
			return err
		}
		opts = opts[size:]
	}
	return nil
}

// ParseMSS returns the MSS option value in opts, or 0 when absent.
func (c OptionCodec) ParseMSS(opts []byte) (mss uint16, err error) {
	err = c.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize {
			mss = binary.BigEndian.Uint16(data)
		}
		return nil
	})
	return mss, err
}
