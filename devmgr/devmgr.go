// Package devmgr speaks the device-manager protocol of the guest agent:
// fixed 1 KiB little-endian frames carrying CPU and device hotplug
// commands. It plugs into the upcall client as its Service.
package devmgr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/upcall"
	"github.com/tinyrange/upcall/internal/trace"
)

var devmgrTrace = trace.WithSource("upcall.devmgr")

// CPURequest describes a vCPU hotplug or unplug batch.
type CPURequest struct {
	Count   uint8
	APICVer uint8
	APICIDs [256]uint8
}

// MMIORequest describes a virtio-mmio device window.
type MMIORequest struct {
	Base uint64
	Size uint64
	IRQ  uint32
}

// PCIRequest addresses a device on the PCI bus.
type PCIRequest struct {
	Bus   uint8
	DevFN uint8
}

type AddCPURequest CPURequest

func (*AddCPURequest) UpcallRequest() {}

type DelCPURequest CPURequest

func (*DelCPURequest) UpcallRequest() {}

type AddMMIORequest MMIORequest

func (*AddMMIORequest) UpcallRequest() {}

type DelMMIORequest MMIORequest

func (*DelMMIORequest) UpcallRequest() {}

type AddPCIRequest PCIRequest

func (*AddPCIRequest) UpcallRequest() {}

type DelPCIRequest PCIRequest

func (*DelPCIRequest) UpcallRequest() {}

// CPUResponse answers ADD_CPU and DEL_CPU requests. APICIDIndex reports
// how many APIC IDs the guest has active after the operation.
type CPUResponse struct {
	Kind        uint32
	Result      int32
	APICIDIndex uint32
}

func (*CPUResponse) UpcallResponse() {}

// GenericResponse answers every other request kind with a bare result
// code. Zero means success.
type GenericResponse struct {
	Kind   uint32
	Result int32
}

func (*GenericResponse) UpcallResponse() {}

// Service encodes requests and decodes responses for the guest device
// manager. It holds no state of its own; the upcall session sequences
// every call.
type Service struct{}

var _ upcall.Service = (*Service)(nil)

func NewService() *Service { return &Service{} }

// ConnectionStart announces the host to the device manager.
func (s *Service) ConnectionStart(rw io.ReadWriter) error {
	frame := make([]byte, DEV_MGR_FRAME_SIZE)
	copy(frame, encodeMsgHeader(msgHeader{Magic: DEV_MGR_MAGIC, Kind: DEV_MGR_MSG_CONNECT}))
	if _, err := rw.Write(frame); err != nil {
		return err
	}
	devmgrTrace.Writef("connect frame sent")
	return nil
}

// ConnectionCheck reads the device manager's connect acknowledgement.
func (s *Service) ConnectionCheck(rw io.ReadWriter) error {
	hdr, payload, err := readFrame(rw)
	if err != nil {
		return err
	}
	resp, err := decodeResponse(hdr, payload)
	if err != nil {
		return err
	}
	ack, ok := resp.(*GenericResponse)
	if !ok || ack.Kind != DEV_MGR_MSG_CONNECT {
		return &upcall.InvalidMessageError{Reason: "connect ack of kind " + kindString(hdr.Kind)}
	}
	if ack.Result != 0 {
		return fmt.Errorf("devmgr: connection refused: result %d", ack.Result)
	}
	devmgrTrace.Writef("connect acknowledged")
	return nil
}

// SendRequest writes one request frame.
func (s *Service) SendRequest(rw io.ReadWriter, req upcall.Request) error {
	frame, err := EncodeRequestFrame(req)
	if err != nil {
		return err
	}
	if _, err := rw.Write(frame); err != nil {
		return err
	}
	devmgrTrace.Writef("%T sent", req)
	return nil
}

// HandleResponse reads one response frame and decodes it by kind.
func (s *Service) HandleResponse(rw io.ReadWriter) (upcall.Response, error) {
	hdr, payload, err := readFrame(rw)
	if err != nil {
		return nil, err
	}
	return decodeResponse(hdr, payload)
}

// readFrame consumes one whole frame and validates its header. The
// payload slice aliases the frame buffer.
func readFrame(r io.Reader) (msgHeader, []byte, error) {
	buf := make([]byte, DEV_MGR_FRAME_SIZE)
	if _, err := io.ReadFull(r, buf); err != nil {
		return msgHeader{}, nil, fmt.Errorf("read frame: %w", err)
	}
	devmgrTrace.Bytes(buf[:DEV_MGR_HDR_SIZE])
	hdr, err := parseMsgHeader(buf)
	if err != nil {
		return msgHeader{}, nil, err
	}
	if hdr.Magic != DEV_MGR_MAGIC {
		return msgHeader{}, nil, &upcall.InvalidMessageError{Reason: "bad frame magic", Received: buf[:DEV_MGR_HDR_SIZE]}
	}
	if hdr.Size > DEV_MGR_FRAME_SIZE-DEV_MGR_HDR_SIZE {
		return msgHeader{}, nil, &upcall.InvalidMessageError{Reason: fmt.Sprintf("payload size %d exceeds frame", hdr.Size), Received: buf[:DEV_MGR_HDR_SIZE]}
	}
	return hdr, buf[DEV_MGR_HDR_SIZE : DEV_MGR_HDR_SIZE+hdr.Size], nil
}

// EncodeRequestFrame renders req into one wire frame. Guest-side test
// doubles and simulators use the exported codec to speak the protocol.
func EncodeRequestFrame(req upcall.Request) ([]byte, error) {
	buf := make([]byte, DEV_MGR_FRAME_SIZE)
	payload := buf[DEV_MGR_HDR_SIZE:]

	var kind, size uint32
	switch r := req.(type) {
	case *AddCPURequest:
		kind, size = DEV_MGR_MSG_ADD_CPU, cpuPayloadSize
		encodeCPUPayload(payload, CPURequest(*r))
	case *DelCPURequest:
		kind, size = DEV_MGR_MSG_DEL_CPU, cpuPayloadSize
		encodeCPUPayload(payload, CPURequest(*r))
	case *AddMMIORequest:
		kind, size = DEV_MGR_MSG_ADD_MMIO, mmioPayloadSize
		encodeMMIOPayload(payload, MMIORequest(*r))
	case *DelMMIORequest:
		kind, size = DEV_MGR_MSG_DEL_MMIO, mmioPayloadSize
		encodeMMIOPayload(payload, MMIORequest(*r))
	case *AddPCIRequest:
		kind, size = DEV_MGR_MSG_ADD_PCI, pciPayloadSize
		encodePCIPayload(payload, PCIRequest(*r))
	case *DelPCIRequest:
		kind, size = DEV_MGR_MSG_DEL_PCI, pciPayloadSize
		encodePCIPayload(payload, PCIRequest(*r))
	default:
		return nil, fmt.Errorf("devmgr: unsupported request type %T", req)
	}

	copy(buf, encodeMsgHeader(msgHeader{Magic: DEV_MGR_MAGIC, Size: size, Kind: kind}))
	return buf, nil
}

// DecodeRequestFrame parses one request frame. It returns the message
// kind alongside the request; the request is nil for DEV_MGR_MSG_CONNECT,
// which carries no payload.
func DecodeRequestFrame(frame []byte) (uint32, upcall.Request, error) {
	hdr, err := parseMsgHeader(frame)
	if err != nil {
		return DEV_MGR_MSG_INVALID, nil, err
	}
	if hdr.Magic != DEV_MGR_MAGIC {
		return DEV_MGR_MSG_INVALID, nil, &upcall.InvalidMessageError{Reason: "bad frame magic", Received: frame[:DEV_MGR_HDR_SIZE]}
	}
	if int(DEV_MGR_HDR_SIZE+hdr.Size) > len(frame) {
		return DEV_MGR_MSG_INVALID, nil, &upcall.InvalidMessageError{Reason: fmt.Sprintf("payload size %d exceeds frame", hdr.Size)}
	}
	payload := frame[DEV_MGR_HDR_SIZE : DEV_MGR_HDR_SIZE+hdr.Size]

	switch hdr.Kind {
	case DEV_MGR_MSG_CONNECT:
		return hdr.Kind, nil, nil
	case DEV_MGR_MSG_ADD_CPU:
		r, err := decodeCPUPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := AddCPURequest(r)
		return hdr.Kind, &req, nil
	case DEV_MGR_MSG_DEL_CPU:
		r, err := decodeCPUPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := DelCPURequest(r)
		return hdr.Kind, &req, nil
	case DEV_MGR_MSG_ADD_MMIO:
		r, err := decodeMMIOPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := AddMMIORequest(r)
		return hdr.Kind, &req, nil
	case DEV_MGR_MSG_DEL_MMIO:
		r, err := decodeMMIOPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := DelMMIORequest(r)
		return hdr.Kind, &req, nil
	case DEV_MGR_MSG_ADD_PCI:
		r, err := decodePCIPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := AddPCIRequest(r)
		return hdr.Kind, &req, nil
	case DEV_MGR_MSG_DEL_PCI:
		r, err := decodePCIPayload(payload)
		if err != nil {
			return hdr.Kind, nil, err
		}
		req := DelPCIRequest(r)
		return hdr.Kind, &req, nil
	default:
		return hdr.Kind, nil, &upcall.InvalidMessageError{Reason: "request kind " + kindString(hdr.Kind)}
	}
}

// EncodeResponseFrame renders resp into one wire frame.
func EncodeResponseFrame(resp upcall.Response) ([]byte, error) {
	buf := make([]byte, DEV_MGR_FRAME_SIZE)
	payload := buf[DEV_MGR_HDR_SIZE:]

	var kind, size uint32
	switch r := resp.(type) {
	case *CPUResponse:
		if r.Kind != DEV_MGR_MSG_ADD_CPU && r.Kind != DEV_MGR_MSG_DEL_CPU {
			return nil, fmt.Errorf("devmgr: cpu response with kind %s", kindString(r.Kind))
		}
		kind, size = r.Kind, cpuResponseSize
		binary.LittleEndian.PutUint32(payload[0:4], uint32(r.Result))
		binary.LittleEndian.PutUint32(payload[4:8], r.APICIDIndex)
	case *GenericResponse:
		kind, size = r.Kind, genericResponseSize
		binary.LittleEndian.PutUint32(payload[0:4], uint32(r.Result))
	default:
		return nil, fmt.Errorf("devmgr: unsupported response type %T", resp)
	}

	copy(buf, encodeMsgHeader(msgHeader{Magic: DEV_MGR_MAGIC, Size: size, Kind: kind}))
	return buf, nil
}

// DecodeResponseFrame parses one response frame.
func DecodeResponseFrame(frame []byte) (upcall.Response, error) {
	hdr, err := parseMsgHeader(frame)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != DEV_MGR_MAGIC {
		return nil, &upcall.InvalidMessageError{Reason: "bad frame magic", Received: frame[:DEV_MGR_HDR_SIZE]}
	}
	if int(DEV_MGR_HDR_SIZE+hdr.Size) > len(frame) {
		return nil, &upcall.InvalidMessageError{Reason: fmt.Sprintf("payload size %d exceeds frame", hdr.Size)}
	}
	return decodeResponse(hdr, frame[DEV_MGR_HDR_SIZE:DEV_MGR_HDR_SIZE+hdr.Size])
}

func decodeResponse(hdr msgHeader, payload []byte) (upcall.Response, error) {
	switch hdr.Kind {
	case DEV_MGR_MSG_ADD_CPU, DEV_MGR_MSG_DEL_CPU:
		if len(payload) < cpuResponseSize {
			return nil, &upcall.InvalidMessageError{Reason: "short cpu response", Received: payload}
		}
		return &CPUResponse{
			Kind:        hdr.Kind,
			Result:      int32(binary.LittleEndian.Uint32(payload[0:4])),
			APICIDIndex: binary.LittleEndian.Uint32(payload[4:8]),
		}, nil
	case DEV_MGR_MSG_CONNECT, DEV_MGR_MSG_ADD_MMIO, DEV_MGR_MSG_DEL_MMIO,
		DEV_MGR_MSG_ADD_PCI, DEV_MGR_MSG_DEL_PCI:
		if len(payload) < genericResponseSize {
			return nil, &upcall.InvalidMessageError{Reason: "short " + kindString(hdr.Kind) + " response", Received: payload}
		}
		return &GenericResponse{Kind: hdr.Kind, Result: int32(binary.LittleEndian.Uint32(payload[0:4]))}, nil
	default:
		return nil, &upcall.InvalidMessageError{Reason: "response kind " + kindString(hdr.Kind)}
	}
}
