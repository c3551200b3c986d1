package msp

import (
	"fmt"
	"strings"
)

const (
	ARMING_DISABLED_RXLOSS uint32 = 1 << 0
	ARMING_DISABLED_MSP    uint32 = 1 << 5
)

var armfails = map[uint32]string{
	ARMING_DISABLED_RXLOSS: "RXLOSS",
	ARMING_DISABLED_MSP:    "MSP",
}

// ArmStatus renders arming-disable flags for humans, e.g. "RXLOSS bit3 (0x9)".
func ArmStatus(flags uint32) string {
	var sarry []string
	if flags == 0 {
		sarry = append(sarry, "Ready to arm")
	} else {
		for i := 0; i < 32; i++ {
			bit := uint32(1) << i
			if flags&bit == 0 {
				continue
			}
			if s, ok := armfails[bit]; ok {
				sarry = append(sarry, s)
			} else {
				sarry = append(sarry, fmt.Sprintf("bit%d", i))
			}
		}
	}
	sarry = append(sarry, fmt.Sprintf("(0x%x)", flags))
	return strings.Join(sarry, " ")
}
