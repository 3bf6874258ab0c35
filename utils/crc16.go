package utils

import (
	"github.com/howeyc/crc16"
)

func CalculateCRC16(data []byte) uint16 {
	return crc16.Checksum(data, crc16.IBMTable)
}

// VerifyCRC16 reports whether data matches a checksum produced by
// CalculateCRC16.
func VerifyCRC16(data []byte, sum uint16) bool {
	return CalculateCRC16(data) == sum
}
