package lknet

import (
	"errors"
	"strconv"
)

// Validator collects field errors while a frame is checked. The zero value
// keeps only the first error; set AllowMultiErrors to keep them all.
type Validator struct {
	errs             []error
	AllowMultiErrors bool
}

// ResetErr clears collected errors, keeping the backing storage.
func (v *Validator) ResetErr() { v.errs = v.errs[:0] }

func (v *Validator) HasError() bool { return len(v.errs) > 0 }

// Err returns nil, the single collected error, or all of them joined.
func (v *Validator) Err() error {
	if len(v.errs) == 1 {
		return v.errs[0]
	}
	return errors.Join(v.errs...)
}

// AddError records err. Panics on a nil err.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("lknet: nil error")
	}
	if v.AllowMultiErrors || len(v.errs) == 0 {
		v.errs = append(v.errs, err)
	}
}

// AddBitPosErr records err located at bitLen bits starting at bitStart.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil || bitLen < 1 {
		panic("lknet: bad bit position error")
	}
	v.AddError(&BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
}

// BitPosErr locates a field error within a frame.
type BitPosErr struct {
	BitStart, BitLen int
	Err              error
}

func (e *BitPosErr) Error() string {
	return e.Err.Error() + " at bits " + strconv.Itoa(e.BitStart) + ".." + strconv.Itoa(e.BitStart+e.BitLen)
}

func (e *BitPosErr) Unwrap() error { return e.Err }
