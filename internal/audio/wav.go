package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

// Decode reads a PCM or IEEE-float WAV file and mixes it down to mono.
func Decode(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	buf, err := DecodeReader(f)
	if err != nil {
		return nil, err
	}
	buf.Source = path
	return buf, nil
}

// DecodeReader is Decode for an already opened stream.
func DecodeReader(r io.ReadSeeker) (*Buffer, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return nil, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, ErrInvalidWAV
	}

	var (
		f          format
		dataOffset int64
		dataSize   uint32
		hasFmt     bool
		hasData    bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, ErrInvalidWAV
			}

			raw := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			f = format{
				audioFormat:   binary.LittleEndian.Uint16(raw[0:2]),
				channels:      binary.LittleEndian.Uint16(raw[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(raw[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(raw[14:16]),
			}
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			hasData = true
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return nil, ErrInvalidWAV
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	if _, err := r.Seek(dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek wav data offset: %w", err)
	}

	data := make([]byte, dataSize)
	n, err := io.ReadFull(r, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read wav data: %w", err)
	}
	data = data[:n]

	samples, err := f.mixdown(data)
	if err != nil {
		return nil, err
	}

	return &Buffer{SampleRate: int(f.sampleRate), Samples: samples}, nil
}

// Encode writes buf as a 16-bit mono PCM WAV stream.
func Encode(w io.Writer, buf *Buffer) error {
	if buf == nil || buf.SampleRate <= 0 {
		return errors.New("encode wav: buffer has no sample rate")
	}

	const bytesPerSample = 2
	dataSize := len(buf.Samples) * bytesPerSample

	bw := bufio.NewWriter(w)
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+dataSize))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(buf.SampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(buf.SampleRate*bytesPerSample))
	binary.LittleEndian.PutUint16(header[32:], bytesPerSample)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(dataSize))
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	sample := make([]byte, bytesPerSample)
	for _, v := range buf.Samples {
		clamped := math.Max(-1, math.Min(1, float64(v)))
		binary.LittleEndian.PutUint16(sample, uint16(int16(math.Round(clamped*32767))))
		if _, err := bw.Write(sample); err != nil {
			return fmt.Errorf("write wav data: %w", err)
		}
	}

	return bw.Flush()
}

type format struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

func (f format) validate() error {
	if f.channels == 0 || f.sampleRate == 0 {
		return ErrInvalidWAV
	}

	switch f.audioFormat {
	case 1:
		switch f.bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case 3:
		switch f.bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func (f format) mixdown(data []byte) ([]float32, error) {
	bytesPerSample := int(f.bitsPerSample / 8)
	frameSize := bytesPerSample * int(f.channels)
	if frameSize <= 0 {
		return nil, ErrUnsupportedWAV
	}

	frames := len(data) / frameSize
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		frame := data[i*frameSize : (i+1)*frameSize]
		var sum float64
		for c := 0; c < int(f.channels); c++ {
			value, err := f.decodeSample(frame[c*bytesPerSample : (c+1)*bytesPerSample])
			if err != nil {
				return nil, err
			}
			sum += value
		}
		out[i] = float32(sum / float64(f.channels))
	}
	return out, nil
}

func (f format) decodeSample(sample []byte) (float64, error) {
	if f.audioFormat == 3 {
		switch f.bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch f.bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}
