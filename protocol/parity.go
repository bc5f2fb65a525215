// License: Apache-2.0

package protocol

import "math/bits"

// OddParity selects odd parity in Parity.
const OddParity = 1

// Parity returns the parity bit for v. With odd set the bit makes the total
// number of ones odd.
func Parity(v uint64, odd uint8) uint8 {
	return (odd & 1) ^ uint8(bits.OnesCount64(v)&1)
}
