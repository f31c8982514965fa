package wire

import "encoding/binary"

// HardwareAddressSize is the length of a HardwareAddress in bytes.
const HardwareAddressSize = 6

// RouteEntrySize is the length of one encoded route entry: a hardware
// address followed by a big-endian u32 ping estimate.
const RouteEntrySize = HardwareAddressSize + 4

// HardwareAddress is an opaque 6-byte station identifier, used as the key of
// a peer's routing table.
type HardwareAddress [HardwareAddressSize]byte

// RouteEntry is one 10-byte on-wire record: hardware_address(6) ||
// ping_estimate(u32be).
type RouteEntry struct {
	Addr HardwareAddress
	Ping uint32
}

// EncodeRouteEntries appends the encoded entries to buf.
func EncodeRouteEntries(buf []byte, entries []RouteEntry) []byte {
	for _, e := range entries {
		buf = append(buf, e.Addr[:]...)
		buf = binary.BigEndian.AppendUint32(buf, e.Ping)
	}
	return buf
}

// DecodeRouteEntries decodes n route entries from the front of b. It returns
// false if b is shorter than n*RouteEntrySize.
func DecodeRouteEntries(b []byte, n int) ([]RouteEntry, bool) {
	if len(b) < n*RouteEntrySize {
		return nil, false
	}
	entries := make([]RouteEntry, n)
	for i := range entries {
		off := i * RouteEntrySize
		copy(entries[i].Addr[:], b[off:off+HardwareAddressSize])
		entries[i].Ping = binary.BigEndian.Uint32(b[off+HardwareAddressSize:])
	}
	return entries, true
}
