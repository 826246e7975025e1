package update

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// WriteEvent writes the update as one Server-Sent Events message:
//
//	id: <id>
//	event: <type>
//	retry: <retry>        (only when > 0)
//	data: <line>          (one per payload line)
//
// followed by the blank line that terminates the event.
func (u *Update) WriteEvent(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	buf.WriteString("id: ")
	buf.WriteString(u.id)
	buf.WriteByte('\n')

	buf.WriteString("event: ")
	buf.WriteString(u.eventType)
	buf.WriteByte('\n')

	if u.retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(u.retry))
		buf.WriteByte('\n')
	}

	scanner := bufio.NewScanner(bytes.NewReader(u.data))
	scanner.Buffer(make([]byte, 0, 4096), len(u.data)+1)
	wrote := false
	for scanner.Scan() {
		buf.WriteString("data: ")
		buf.Write(scanner.Bytes())
		buf.WriteByte('\n')
		wrote = true
	}
	if !wrote {
		buf.WriteString("data: \n")
	}
	buf.WriteByte('\n')

	return buf.WriteTo(w)
}
