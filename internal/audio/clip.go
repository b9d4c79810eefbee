package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const wavFormatMulaw = 7

var ErrUnsupportedClip = errors.New("unsupported audio clip")

// LoadClip reads a pre-rendered mu-law clip. Both headerless .ulaw files and
// WAV containers with format tag 7 (8 kHz mono) are accepted.
func LoadClip(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clip: %w", err)
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return raw, nil
	}
	return decodeWAVMulaw(raw)
}

func decodeWAVMulaw(raw []byte) ([]byte, error) {
	r := bytes.NewReader(raw[12:])
	var (
		sawFormat bool
		format    uint16
		channels  uint16
		rate      uint32
	)
	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, fmt.Errorf("%w: missing data chunk", ErrUnsupportedClip)
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrUnsupportedClip)
		}
		switch string(id[:]) {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil || size < 16 {
				return nil, fmt.Errorf("%w: truncated fmt chunk", ErrUnsupportedClip)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			sawFormat = true
		case "data":
			if !sawFormat {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedClip)
			}
			if format != wavFormatMulaw || channels != 1 || rate != SampleRate {
				return nil, fmt.Errorf("%w: format=%d channels=%d rate=%d", ErrUnsupportedClip, format, channels, rate)
			}
			data := make([]byte, size)
			n, _ := io.ReadFull(r, data)
			return data[:n], nil
		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedClip, err)
			}
		}
	}
}
