package devmgr

import (
	"encoding/binary"
	"fmt"
)

// Every message occupies one fixed-size frame; senders write whole frames.
const (
	DEV_MGR_FRAME_SIZE = 0x400
	DEV_MGR_HDR_SIZE   = 16

	DEV_MGR_MAGIC = 0x444d5631 // "DMV1"
)

// Message kinds
const (
	DEV_MGR_MSG_INVALID  = 0
	DEV_MGR_MSG_CONNECT  = 1 // service handshake
	DEV_MGR_MSG_ADD_CPU  = 2
	DEV_MGR_MSG_DEL_CPU  = 3
	DEV_MGR_MSG_ADD_MMIO = 4
	DEV_MGR_MSG_DEL_MMIO = 5
	DEV_MGR_MSG_ADD_PCI  = 6
	DEV_MGR_MSG_DEL_PCI  = 7
)

// Payload sizes
const (
	cpuPayloadSize  = 258 // count u8, apic_ver u8, apic_ids [256]u8
	mmioPayloadSize = 20  // base u64, size u64, irq u32
	pciPayloadSize  = 2   // bus u8, devfn u8

	cpuResponseSize     = 8 // result i32, apic_id_index u32
	genericResponseSize = 4 // result i32
)

// msgHeader leads every frame.
// Layout:
//
//	u32 magic
//	u32 size (payload bytes after the header)
//	u32 kind
//	u32 flags
type msgHeader struct {
	Magic uint32
	Size  uint32
	Kind  uint32
	Flags uint32
}

// parseMsgHeader parses a frame header from a byte slice.
func parseMsgHeader(data []byte) (msgHeader, error) {
	if len(data) < DEV_MGR_HDR_SIZE {
		return msgHeader{}, fmt.Errorf("devmgr: header too short: %d < %d", len(data), DEV_MGR_HDR_SIZE)
	}
	return msgHeader{
		Magic: binary.LittleEndian.Uint32(data[0:4]),
		Size:  binary.LittleEndian.Uint32(data[4:8]),
		Kind:  binary.LittleEndian.Uint32(data[8:12]),
		Flags: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// encodeMsgHeader encodes a frame header into a byte slice.
func encodeMsgHeader(hdr msgHeader) []byte {
	buf := make([]byte, DEV_MGR_HDR_SIZE)
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Size)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Kind)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.Flags)
	return buf
}

// kindString returns a human-readable string for a message kind.
func kindString(kind uint32) string {
	switch kind {
	case DEV_MGR_MSG_INVALID:
		return "INVALID"
	case DEV_MGR_MSG_CONNECT:
		return "CONNECT"
	case DEV_MGR_MSG_ADD_CPU:
		return "ADD_CPU"
	case DEV_MGR_MSG_DEL_CPU:
		return "DEL_CPU"
	case DEV_MGR_MSG_ADD_MMIO:
		return "ADD_MMIO"
	case DEV_MGR_MSG_DEL_MMIO:
		return "DEL_MMIO"
	case DEV_MGR_MSG_ADD_PCI:
		return "ADD_PCI"
	case DEV_MGR_MSG_DEL_PCI:
		return "DEL_PCI"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", kind)
	}
}

func encodeCPUPayload(buf []byte, r CPURequest) {
	buf[0] = r.Count
	buf[1] = r.APICVer
	copy(buf[2:2+len(r.APICIDs)], r.APICIDs[:])
}

func decodeCPUPayload(payload []byte) (CPURequest, error) {
	if len(payload) < cpuPayloadSize {
		return CPURequest{}, fmt.Errorf("devmgr: cpu payload too short: %d < %d", len(payload), cpuPayloadSize)
	}
	var r CPURequest
	r.Count = payload[0]
	r.APICVer = payload[1]
	copy(r.APICIDs[:], payload[2:2+len(r.APICIDs)])
	return r, nil
}

func encodeMMIOPayload(buf []byte, r MMIORequest) {
	binary.LittleEndian.PutUint64(buf[0:8], r.Base)
	binary.LittleEndian.PutUint64(buf[8:16], r.Size)
	binary.LittleEndian.PutUint32(buf[16:20], r.IRQ)
}

func decodeMMIOPayload(payload []byte) (MMIORequest, error) {
	if len(payload) < mmioPayloadSize {
		return MMIORequest{}, fmt.Errorf("devmgr: mmio payload too short: %d < %d", len(payload), mmioPayloadSize)
	}
	return MMIORequest{
		Base: binary.LittleEndian.Uint64(payload[0:8]),
		Size: binary.LittleEndian.Uint64(payload[8:16]),
		IRQ:  binary.LittleEndian.Uint32(payload[16:20]),
	}, nil
}

func encodePCIPayload(buf []byte, r PCIRequest) {
	buf[0] = r.Bus
	buf[1] = r.DevFN
}

func decodePCIPayload(payload []byte) (PCIRequest, error) {
	if len(payload) < pciPayloadSize {
		return PCIRequest{}, fmt.Errorf("devmgr: pci payload too short: %d < %d", len(payload), pciPayloadSize)
	}
	return PCIRequest{Bus: payload[0], DevFN: payload[1]}, nil
}
