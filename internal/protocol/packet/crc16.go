package packet

// checksum is CRC-16/X.25 (reflected 0x1021, init and xorout 0xFFFF), the
// header checksum deployed peers compute.
func checksum(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range b {
		crc ^= uint16(c)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
