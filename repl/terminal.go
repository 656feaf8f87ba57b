package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = errors.New("interrupted")

// Terminal is a minimal line editor on /dev/tty. It works even when stdout
// is redirected, and the line can be prefilled with the current field value.
type Terminal struct {
	tty      *os.File
	oldState *term.State
	buf      []byte
	pos      int // cursor byte offset into buf
}

// OpenTerminal opens /dev/tty and switches to raw mode.
func OpenTerminal() (*Terminal, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Terminal{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (t *Terminal) Close() {
	term.Restore(int(t.tty.Fd()), t.oldState)
	t.tty.Close()
}

// Writer returns the tty for prompts and summaries.
func (t *Terminal) Writer() io.Writer { return t.tty }

// ReadLine shows prompt followed by initial and lets the user edit it.
// It returns io.EOF on Ctrl-D with an empty line.
func (t *Terminal) ReadLine(prompt, initial string) (string, error) {
	t.buf = append(t.buf[:0], initial...)
	t.pos = len(t.buf)
	t.redraw(prompt)

	var esc [3]byte
	for {
		var b [1]byte
		if _, err := t.tty.Read(b[:]); err != nil {
			return "", err
		}

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(t.tty, "\r\n")
			return "", ErrInterrupt

		case 4: // Ctrl-D
			if len(t.buf) == 0 {
				fmt.Fprintf(t.tty, "\r\n")
				return "", io.EOF
			}

		case 13, 10:
			fmt.Fprintf(t.tty, "\r\n")
			return string(t.buf), nil

		case 127, 8:
			if t.pos > 0 {
				size := prevRuneLen(t.buf, t.pos)
				t.buf = append(t.buf[:t.pos-size], t.buf[t.pos:]...)
				t.pos -= size
			}

		case 1: // Ctrl-A
			t.pos = 0

		case 5: // Ctrl-E
			t.pos = len(t.buf)

		case 21: // Ctrl-U
			t.buf = t.buf[:0]
			t.pos = 0

		case 27:
			if n, _ := t.tty.Read(esc[:1]); n == 0 || esc[0] != '[' {
				continue
			}
			if n, _ := t.tty.Read(esc[1:2]); n == 0 {
				continue
			}
			switch esc[1] {
			case 'D':
				if t.pos > 0 {
					t.pos -= prevRuneLen(t.buf, t.pos)
				}
			case 'C':
				if t.pos < len(t.buf) {
					_, size := utf8.DecodeRune(t.buf[t.pos:])
					t.pos += size
				}
			case 'H':
				t.pos = 0
			case 'F':
				t.pos = len(t.buf)
			case '3': // Delete: \x1b[3~
				t.tty.Read(esc[2:3])
				if t.pos < len(t.buf) {
					_, size := utf8.DecodeRune(t.buf[t.pos:])
					t.buf = append(t.buf[:t.pos], t.buf[t.pos+size:]...)
				}
			}

		default:
			if b[0] < 32 {
				continue
			}
			ch := []byte{b[0]}
			if b[0] >= 0xC0 {
				tmp := make([]byte, utf8RuneLen(b[0])-1)
				io.ReadFull(t.tty, tmp)
				ch = append(ch, tmp...)
			}
			t.buf = append(t.buf[:t.pos], append(ch, t.buf[t.pos:]...)...)
			t.pos += len(ch)
		}

		t.redraw(prompt)
	}
}

// WatchCancel calls cancel when Esc or Ctrl-C is pressed before ctx ends.
// It returns once ctx is done and the tty is free for ReadLine again.
func (t *Terminal) WatchCancel(ctx context.Context, cancel func()) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var b [1]byte
		for ctx.Err() == nil {
			t.tty.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := t.tty.Read(b[:])
			if n == 1 && (b[0] == 27 || b[0] == 3) {
				cancel()
				return
			}
			if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
		}
	}()
	return func() {
		<-done
		t.tty.SetReadDeadline(time.Time{})
	}
}

// redraw clears the current line and redraws prompt + buffer with cursor.
func (t *Terminal) redraw(prompt string) {
	fmt.Fprintf(t.tty, "\r\x1b[K%s%s", prompt, t.buf)
	if tail := utf8.RuneCount(t.buf[t.pos:]); tail > 0 {
		fmt.Fprintf(t.tty, "\x1b[%dD", tail)
	}
}

// prevRuneLen returns the byte size of the rune before pos.
func prevRuneLen(buf []byte, pos int) int {
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	return pos - i
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	switch {
	case lead < 0xC0:
		return 1
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	}
	return 4
}
