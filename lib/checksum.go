package lib

import "encoding/binary"

// CalculateChecksum returns the RFC 1071 Internet checksum of buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// odd trailing byte is padded with a zero byte
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}

	return ^uint16(cksum)
}

// VerifyChecksum recomputes the checksum of data with the 2-byte checksum
// field at offset zeroed and compares it with the transmitted value. data is
// restored before returning.
func VerifyChecksum(data []byte, offset int) bool {
	if offset < 0 || offset+2 > len(data) {
		return false
	}
	received := binary.BigEndian.Uint16(data[offset : offset+2])

	binary.BigEndian.PutUint16(data[offset:offset+2], 0)
	calculated := CalculateChecksum(data)
	binary.BigEndian.PutUint16(data[offset:offset+2], received)

	return received == calculated
}

// putChecksum computes the checksum of data with its checksum field zeroed
// and writes it at offset.
func putChecksum(data []byte, offset int) uint16 {
	binary.BigEndian.PutUint16(data[offset:offset+2], 0)
	cksum := CalculateChecksum(data)
	binary.BigEndian.PutUint16(data[offset:offset+2], cksum)
	return cksum
}
