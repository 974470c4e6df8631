package httpresp

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrEmptyResponse is returned when there is nothing to parse.
	ErrEmptyResponse = errors.New("empty response")
	// ErrMalformedStatusLine is returned when a message does not start with HTTP/<ver> <code>.
	ErrMalformedStatusLine = errors.New("malformed status line")
	// ErrMalformedHeader is returned for a header line without a colon.
	ErrMalformedHeader = errors.New("malformed header line")
	// ErrMissingLocation is returned for a 3xx response without a Location header.
	ErrMissingLocation = errors.New("redirect without location header")
	// ErrTruncatedRedirect is returned when a 3xx response is not followed by another message.
	ErrTruncatedRedirect = errors.New("redirect not followed by a response")
)

var statusLine = regexp.MustCompile(`^HTTP/(\S+)\s+(\d{3})(?:\s+(.*))?$`)

var (
	crlfTerminator = []byte("\r\n\r\n")
	lfTerminator   = []byte("\n\n")
	httpPrefix     = []byte("HTTP/")
)

// Parse parses one or more concatenated HTTP messages. Every 3xx message must carry a
// Location header and be followed by the next message in the chain; the body of the
// last message becomes Raw. location is the URL originally requested.
func Parse(raw []byte, location string) (Response, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Response{}, ErrEmptyResponse
	}
	visited := []string{}
	rest := raw
	for {
		head, body := splitMessage(rest)
		msg, err := parseHead(head)
		if err != nil {
			return Response{}, err
		}

		if msg.code >= 100 && msg.code < 200 {
			// Interim responses (100 Continue) carry no body.
			rest = body
			continue
		}

		if !IsRedirect(msg.code) {
			return Response{
				Location:       location,
				OtherLocations: visited,
				Code:           msg.code,
				Message:        msg.message,
				Headers:        msg.headers,
				Raw:            body,
			}, nil
		}

		target, ok := lookup(msg.headers, "Location")
		if !ok || strings.TrimSpace(target) == "" {
			return Response{}, fmt.Errorf("parse %d response from %s: %w", msg.code, location, ErrMissingLocation)
		}
		next, ok := nextMessage(body)
		if !ok {
			return Response{}, fmt.Errorf("parse %d response from %s: %w", msg.code, location, ErrTruncatedRedirect)
		}
		visited = append(visited, location)
		location = resolve(location, strings.TrimSpace(target))
		rest = next
	}
}

type message struct {
	code    int
	message string
	headers []Header
}

func parseHead(head []byte) (message, error) {
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	first := strings.TrimSpace(lines[0])
	m := statusLine.FindStringSubmatch(first)
	if m == nil {
		return message{}, fmt.Errorf("%w: %q", ErrMalformedStatusLine, truncate(first, 64))
	}
	code, err := strconv.Atoi(m[2])
	if err != nil {
		return message{}, fmt.Errorf("%w: %q", ErrMalformedStatusLine, first)
	}
	out := message{code: code, message: strings.TrimSpace(m[3]), headers: []Header{}}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out.headers) > 0 {
			// obsolete line folding
			last := &out.headers[len(out.headers)-1]
			last.Value = last.Value + " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return message{}, fmt.Errorf("%w: %q", ErrMalformedHeader, truncate(line, 64))
		}
		out.headers = append(out.headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return out, nil
}

// splitMessage splits at the first header terminator. Without a terminator the whole
// input is treated as a header block with an empty body.
func splitMessage(data []byte) ([]byte, []byte) {
	crlf := bytes.Index(data, crlfTerminator)
	lf := bytes.Index(data, lfTerminator)
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return data[:crlf], data[crlf+len(crlfTerminator):]
	case lf >= 0:
		return data[:lf], data[lf+len(lfTerminator):]
	default:
		return data, nil
	}
}

// nextMessage finds the start of the message following a redirect. curl does not print
// intermediate bodies, but a body that slipped through is skipped.
func nextMessage(data []byte) ([]byte, bool) {
	if bytes.HasPrefix(data, httpPrefix) {
		return data, true
	}
	for i := bytes.IndexByte(data, '\n'); i >= 0; {
		if bytes.HasPrefix(data[i+1:], httpPrefix) {
			return data[i+1:], true
		}
		j := bytes.IndexByte(data[i+1:], '\n')
		if j < 0 {
			break
		}
		i += j + 1
	}
	return nil, false
}

func resolve(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return refURL.String()
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
