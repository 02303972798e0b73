package util

import (
	"fmt"
	"hash/crc32"
)

// CRC32 (IEEE) checksums guard persisted topology files and identify resolver scripts in logs

var (
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ScriptIdentity returns a short stable identifier for a script body
func ScriptIdentity(script string) string {
	return fmt.Sprintf("%08x", ComputeChecksum([]byte(script)))
}
