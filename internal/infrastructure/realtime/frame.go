package realtime

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP 1.2 commands used by the permission-sync channel.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
)

// frame is a single STOMP frame. Header order is not significant for the
// subset of the protocol this client speaks.
type frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// marshalFrame renders a frame in wire format:
//
//	COMMAND\n
//	key:value\n
//	\n
//	body NUL
//
// Header values are escaped per STOMP 1.2 except on CONNECT frames, which
// the protocol exempts for backward compatibility.
func marshalFrame(f frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := f.Command != cmdConnect && f.Command != cmdConnected
	for k, v := range f.Headers {
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// parseFrame decodes one frame from a websocket message. A message that is
// only EOL (a heart-beat) yields an empty command and no error.
func parseFrame(raw []byte) (frame, error) {
	raw = bytes.TrimRight(raw, "\x00")
	trimmed := bytes.TrimLeft(raw, "\r\n")
	if len(trimmed) == 0 {
		return frame{}, nil // heart-beat
	}

	head, body, _ := bytes.Cut(trimmed, []byte("\n\n"))
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")

	f := frame{
		Command: strings.TrimSpace(lines[0]),
		Headers: make(map[string]string, len(lines)-1),
		Body:    body,
	}
	if f.Command == "" {
		return frame{}, fmt.Errorf("realtime: frame without command")
	}

	escape := f.Command != cmdConnect && f.Command != cmdConnected
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return frame{}, fmt.Errorf("realtime: malformed header %q", line)
		}
		if escape {
			k, v = unescapeHeader(k), unescapeHeader(v)
		}
		// First occurrence wins per the STOMP spec.
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = v
		}
	}
	return f, nil
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

var headerUnescaper = strings.NewReplacer(
	`\r`, "\r",
	`\n`, "\n",
	`\c`, ":",
	`\\`, `\`,
)

func escapeHeader(s string) string   { return headerEscaper.Replace(s) }
func unescapeHeader(s string) string { return headerUnescaper.Replace(s) }
