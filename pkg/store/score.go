package store

import (
	"math"
	"strconv"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NegInf and PosInf let callers express open-ended ZRangeByScore bounds
// without importing math themselves.
func NegInf() float64 { return negInf }
func PosInf() float64 { return posInf }
