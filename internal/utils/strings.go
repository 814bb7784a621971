package utils

import (
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// EscapeControl makes raw adapter line readable in logs. Line terminators and SLCAN error bell are shown as escape
// sequences, other non-printable bytes as `\xNN`.
func EscapeControl(line []byte) string {
	buf := strings.Builder{}
	buf.Grow(len(line) + 4)
	for _, c := range line {
		switch {
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c == '\a':
			buf.WriteString(`\a`)
		case c < 0x20 || c >= 0x7F:
			buf.WriteString(`\x`)
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0x0F])
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
