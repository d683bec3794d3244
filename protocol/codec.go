package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ReadLine reads one newline-terminated packet line of at most MaxLineSize bytes.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// ReadPacket reads lines until one decodes, skipping blank keep-alive lines.
func ReadPacket(r *bufio.Reader) (*Packet, error) {
	for {
		line, err := ReadLine(r)
		if err != nil {
			return nil, err
		}
		if len(line) <= 1 {
			continue
		}
		return Unmarshal(line)
	}
}

// WritePacket encodes p and writes it as one line.
func WritePacket(w io.Writer, p *Packet) error {
	line, err := p.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write %s packet: %w", p.Type, err)
	}
	return nil
}
