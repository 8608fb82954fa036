package lknet

// errGeneric enumerates the frame and checksum errors shared by every layer.
// Values are comparable with errors.Is and carry no allocation.
type errGeneric uint8

const (
	_                     errGeneric = iota // invalid error
	ErrBadCRC                               // bad checksum
	ErrShortBuffer                          // short buffer
	ErrInvalidLengthField                   // invalid length field
	ErrInvalidField                         // invalid field
	ErrZeroSource                           // zero source port
	ErrZeroDestination                      // zero destination port
	ErrUnsupported                          // unsupported
)

func (err errGeneric) Error() string { return err.String() }
