// Package sse provides the minimal, purpose-built SSE (Server-Sent Events)
// line handling used by the relay bridge. It reconstructs logical lines from
// an upstream byte stream delivered in arbitrarily sized chunks and extracts
// the payload of "data:" lines.
//
// There is no SSE writer here and no event assembly (event/id/retry fields);
// only data lines are read.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import "strings"

const (
	// DataPrefix marks a data record line.
	DataPrefix = "data:"

	// DoneSentinel is the literal payload some providers send to mark the end
	// of the stream. It is not JSON and must not be parsed.
	DoneSentinel = "[DONE]"
)

// SplitLines appends chunk to the carry left over from the previous call and
// splits the result on "\n". Every newline-terminated segment is returned as
// a complete line (with a trailing "\r" removed); the unterminated remainder
// is returned as the new carry for the next call.
//
// SplitLines is pure: feeding a byte stream to it in any partition yields the
// same sequence of lines and the same final carry.
//
// The carry is byte oriented. A multi-byte UTF-8 sequence split across two
// chunks stays in the carry until its line is complete, because "\n" never
// occurs inside a multi-byte sequence.
func SplitLines(carry, chunk string) ([]string, string) {
	buf := carry + chunk

	var lines []string
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(buf[:idx], "\r"))
		buf = buf[idx+1:]
	}

	return lines, buf
}

// Data returns the trimmed payload of a data record line. ok is false for
// lines that are not data records, for empty payloads, and for the
// DoneSentinel: none of those carry a JSON record.
func Data(line string) (payload string, ok bool) {
	rest, found := strings.CutPrefix(line, DataPrefix)
	if !found {
		return "", false
	}

	payload = strings.TrimSpace(rest)
	if payload == "" || payload == DoneSentinel {
		return "", false
	}

	return payload, true
}
