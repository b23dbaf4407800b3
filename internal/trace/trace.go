// Package trace is a binary protocol-trace logger for upcall sessions.
//
// Tracing is disabled by default and costs one atomic load per call site.
// When enabled, every record carries a timestamp, a source tag and an
// opaque payload, so a recorded exchange can be replayed next to the
// corresponding slog output.
//
// Record layout (little-endian):
//   - 1 byte kind (1 = message, 2 = bytes, 3 = state transition)
//   - 1 byte source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes, then payload bytes
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags what a record's payload holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindMessage      // formatted text
	KindBytes        // raw wire bytes
	KindState        // "<from> -> <to>" state transition
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindBytes:
		return "bytes"
	case KindState:
		return "state"
	default:
		return "invalid"
	}
}

const headerSize = 14

var (
	mu      sync.Mutex
	sink    io.Writer
	enabled atomic.Bool
)

// Enable starts recording to w. Replaces any previous sink without closing
// it.
func Enable(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
	enabled.Store(true)
}

// EnableFile starts recording to the named file, truncating a previous run.
func EnableFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("trace: open %s: %w", path, err)
	}
	mu.Lock()
	defer mu.Unlock()
	sink = f
	enabled.Store(true)
	return nil
}

// Disable stops recording and closes the sink if it is an io.Closer.
func Disable() error {
	mu.Lock()
	defer mu.Unlock()
	enabled.Store(false)
	var err error
	if c, ok := sink.(io.Closer); ok {
		err = c.Close()
	}
	sink = nil
	return err
}

// Recording is best effort: sink errors are dropped rather than fed back
// into the code paths being traced.
func write(kind Kind, source string, payload []byte) {
	if !enabled.Load() {
		return
	}
	if len(source) > 255 {
		source = source[:255]
	}

	var hdr [headerSize]byte
	hdr[0] = byte(kind)
	hdr[1] = byte(len(source))
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(time.Now().UnixNano()))

	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return
	}
	sink.Write(hdr[:])
	io.WriteString(sink, source)
	sink.Write(payload)
}

// Writef records formatted text for source.
func Writef(source, format string, args ...any) {
	write(KindMessage, source, fmt.Appendf(nil, format, args...))
}

// Bytes records raw wire bytes for source.
func Bytes(source string, data []byte) {
	write(KindBytes, source, data)
}

// State records a state transition for source.
func State(source, from, to string) {
	write(KindState, source, []byte(from+" -> "+to))
}

// Source is a handle that stamps every record with a fixed source tag.
type Source struct {
	name string
}

func WithSource(name string) Source {
	return Source{name: name}
}

func (s Source) Writef(format string, args ...any) {
	Writef(s.name, format, args...)
}

func (s Source) Bytes(data []byte) {
	Bytes(s.name, data)
}

func (s Source) State(from, to string) {
	State(s.name, from, to)
}

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// ReadAll decodes every record from r in write order.
func ReadAll(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)

	var records []Record
	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, fmt.Errorf("trace: read header: %w", err)
		}

		kind := Kind(hdr[0])
		if kind == KindInvalid || kind > KindState {
			return records, fmt.Errorf("trace: invalid record kind %d", hdr[0])
		}
		sourceLen := int(hdr[1])
		payloadLen := int(binary.LittleEndian.Uint32(hdr[2:6]))
		ts := int64(binary.LittleEndian.Uint64(hdr[6:14]))

		buf := make([]byte, sourceLen+payloadLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return records, fmt.Errorf("trace: read record body: %w", err)
		}
		records = append(records, Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(buf[:sourceLen]),
			Data:   buf[sourceLen:],
		})
	}
}

// ReadFile decodes every record from a file written via EnableFile.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadAll(f)
}
