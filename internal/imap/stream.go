package imap

import (
	"io"
)

const streamBufSize = 4096

// Stream is the bidirectional byte channel a Server talks IMAP over.
// Reads go through an internal window so the tokenizer can peek bytes;
// writes are forwarded to the transport unbuffered. When a literal
// header has been scanned, the stream is switched into literal mode and
// reads refuse to cross the literal boundary until it is drained.
type Stream struct {
	src io.ReadWriteCloser

	buf []byte
	ptr int
	end int

	// literal is the number of octets left in the current literal.
	literal   uint32
	inLiteral bool
}

// NewStream wraps a transport in a buffered IMAP stream.
func NewStream(src io.ReadWriteCloser) *Stream {
	return &Stream{
		src: src,
		buf: make([]byte, streamBufSize),
	}
}

// buffered reports how many unread bytes sit in the window.
func (s *Stream) buffered() int { return s.end - s.ptr }

// fill reads more data from the transport into the window. It requires
// the window to be fully consumed. A zero-length read with no error is
// promoted to a transport error: IMAP has no framing that produces one
// mid-response.
func (s *Stream) fill() error {
	s.ptr = 0
	s.end = 0
	n, err := s.src.Read(s.buf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return transportError(io.ErrUnexpectedEOF)
		}
		if n == 0 {
			return transportError(err)
		}
	}
	if n == 0 {
		return &Error{Kind: KindTransport, msg: "source returned no data"}
	}
	s.end = n
	return nil
}

// Read reads up to len(p) bytes. In literal mode the read is capped at
// the remaining literal octets and never returns bytes past the
// boundary.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.inLiteral {
		if s.literal == 0 {
			return 0, nil
		}
		if uint32(len(p)) > s.literal {
			p = p[:s.literal]
		}
	}
	if s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf[s.ptr:s.end])
	s.ptr += n
	if s.inLiteral {
		s.literal -= uint32(n)
		if s.literal == 0 {
			s.inLiteral = false
		}
	}
	return n, nil
}

// ReadByte returns the next byte from the stream.
func (s *Stream) ReadByte() (byte, error) {
	if s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	b := s.buf[s.ptr]
	s.ptr++
	return b, nil
}

// PeekByte reports the next byte without consuming it.
func (s *Stream) PeekByte() (byte, error) {
	if s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	return s.buf[s.ptr], nil
}

// ReadLine returns the next fragment of the current line. more is true
// when the fragment does not yet include the terminating LF and the
// caller should keep reading. The returned slice is valid until the
// next stream operation.
func (s *Stream) ReadLine() (line []byte, more bool, err error) {
	if s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return nil, false, err
		}
	}
	for i := s.ptr; i < s.end; i++ {
		if s.buf[i] == '\n' {
			line = s.buf[s.ptr : i+1]
			s.ptr = i + 1
			return line, false, nil
		}
	}
	line = s.buf[s.ptr:s.end]
	s.ptr = s.end
	return line, true, nil
}

// SetLiteral switches the stream into literal mode for n octets.
// Subsequent reads are capped at the literal boundary until it has
// been fully drained.
func (s *Stream) SetLiteral(n uint32) {
	s.literal = n
	s.inLiteral = n > 0
}

// LiteralRemaining reports how many literal octets are still unread.
func (s *Stream) LiteralRemaining() uint32 {
	if !s.inLiteral {
		return 0
	}
	return s.literal
}

// DrainLiteral discards any unread remainder of the current literal.
func (s *Stream) DrainLiteral() error {
	for s.inLiteral {
		var scratch [512]byte
		if _, err := s.Read(scratch[:]); err != nil {
			return err
		}
	}
	return nil
}

// Write forwards p to the transport unbuffered.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.src.Write(p)
	if err != nil {
		return n, transportError(err)
	}
	return n, nil
}

// WriteString writes s to the transport.
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Close closes the underlying transport.
func (s *Stream) Close() error {
	return s.src.Close()
}

// Upgrade swaps the underlying transport, keeping the buffered window.
// Used when STARTTLS wraps the connection; the window is empty at that
// point because the upgrade happens on a response boundary.
func (s *Stream) Upgrade(src io.ReadWriteCloser) {
	s.src = src
}
