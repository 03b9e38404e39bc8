package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/srg/attkit/internal/loopback"
	"github.com/srg/attkit/pkg/att"
	"golang.org/x/term"
)

// palette holds the colours used for command output. Colours are off unless
// the writer is a terminal.
type palette struct {
	header *color.Color
	send   *color.Color
	recv   *color.Color
	errc   *color.Color
	ok     *color.Color
}

func newPalette(w io.Writer) *palette {
	p := &palette{
		header: color.New(color.Bold),
		send:   color.New(color.FgCyan),
		recv:   color.New(color.FgYellow),
		errc:   color.New(color.FgRed),
		ok:     color.New(color.FgGreen),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{p.header, p.send, p.recv, p.errc, p.ok} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// traceTap prints every PDU crossing the link. A is the local side.
func traceTap(w io.Writer, p *palette) loopback.Tap {
	return func(dir loopback.Direction, conn uint16, pdu []byte) []byte {
		c := p.send
		arrow := "->"
		if dir == loopback.BToA {
			c = p.recv
			arrow = "<-"
		}
		if len(pdu) > 0 && pdu[0] == att.OpErrorRsp {
			c = p.errc
		}
		name := "empty"
		if len(pdu) > 0 {
			name = att.OpName(pdu[0])
		}
		fmt.Fprintln(w, c.Sprintf("%s conn=0x%04x %-16s %s", arrow, conn, name, formatHex(pdu)))
		return pdu
	}
}

// formatHex prints bytes as space separated hex pairs.
func formatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := hex.EncodeToString(b)
	var sb strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}
