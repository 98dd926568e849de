package prefork

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame is one heartbeat control message. Frames carry no payload.
type Frame byte

const (
	FramePing  Frame = 0x01
	FramePong  Frame = 0x02
	FrameClose Frame = 0x03
)

const (
	frameMarker = 0xA5
	frameSize   = 2
)

func (f Frame) String() string {
	switch f {
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("Frame(%#x)", byte(f))
	}
}

func (f Frame) valid() bool {
	return f == FramePing || f == FramePong || f == FrameClose
}

// Channel carries heartbeat frames over a pair of unidirectional pipes:
// frames are read from r and written to w.
type Channel struct {
	r  *bufio.Reader
	w  io.Writer
	rc io.Closer
	wc io.Closer

	wmu       sync.Mutex
	closeOnce sync.Once
}

// NewChannel builds a channel reading from r and writing to w. Close closes
// both.
func NewChannel(r io.ReadCloser, w io.WriteCloser) *Channel {
	return &Channel{
		r:  bufio.NewReaderSize(r, 64),
		w:  w,
		rc: r,
		wc: w,
	}
}

// Send writes one frame. Safe for concurrent use.
func (c *Channel) Send(f Frame) error {
	if !f.valid() {
		return fmt.Errorf("%w: %s", ErrBadFrame, f)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	buf := [frameSize]byte{frameMarker, byte(f)}
	for n := 0; n < frameSize; {
		m, err := c.w.Write(buf[n:])
		if err != nil {
			return fmt.Errorf("send %s: %w", f, err)
		}
		n += m
	}
	return nil
}

// Recv blocks for the next frame. A clean end of stream between frames is
// ErrChannelEOF, which is never confused with a CLOSE frame.
func (c *Channel) Recv() (Frame, error) {
	var buf [frameSize]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrChannelEOF
		}
		return 0, err
	}
	f := Frame(buf[1])
	if buf[0] != frameMarker || !f.valid() {
		return 0, fmt.Errorf("%w: % x", ErrBadFrame, buf)
	}
	return f, nil
}

// Ping sends FramePing; only the master pings.
func (c *Channel) Ping() error { return c.Send(FramePing) }

// Pong answers a ping; only a worker pongs.
func (c *Channel) Pong() error { return c.Send(FramePong) }

// SendClose tells the peer to stop.
func (c *Channel) SendClose() error { return c.Send(FrameClose) }

// Close releases both pipe ends. Calling it more than once is a no-op.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(c.rc.Close(), c.wc.Close())
	})
	return err
}
