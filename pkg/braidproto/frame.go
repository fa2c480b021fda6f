package braidproto

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const frameSeparator = "\r\n\r\n"

// WriteTo writes u as one frame of a subscription stream. A single patch
// is carried in the frame headers; several are preceded by a Patches
// count.
func (u Update) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	fmt.Fprintf(cw, "Version: %s\r\n", strings.Join(u.Version, ", "))
	fmt.Fprintf(cw, "Parents: %s\r\n", strings.Join(u.Parents, ", "))

	switch len(u.Patches) {
	case 0:
		fmt.Fprintf(cw, "Content-Length: %d\r\n\r\n", len(u.Body))
		io.WriteString(cw, u.Body)
	case 1:
		writePatch(cw, u.Patches[0])
	default:
		fmt.Fprintf(cw, "Patches: %d\r\n\r\n", len(u.Patches))
		for i, p := range u.Patches {
			if i > 0 {
				io.WriteString(cw, frameSeparator)
			}
			writePatch(cw, p)
		}
	}
	io.WriteString(cw, frameSeparator)

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

func writePatch(w io.Writer, p Patch) {
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(p.Content))
	fmt.Fprintf(w, "Content-Range: %s %s\r\n\r\n", p.Unit, p.Range)
	io.WriteString(w, p.Content)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
