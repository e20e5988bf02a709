package dmautils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfRangeError is the error returned from Memory accessors when an address range falls outside the accessible window
var OutOfRangeError error = errors.New("address range is outside the accessible window")
