// Package httpresp turns the raw output of `curl -i -L` into a structured response.
package httpresp

import "strings"

// Header is a single response header line. Order and duplicates are preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is the final response of a fetch after following its redirect chain.
type Response struct {
	// Location is the URL that produced the final response.
	Location string `json:"location"`
	// OtherLocations lists the URLs visited before Location, most recent last.
	OtherLocations []string `json:"other_locations"`
	Code           int      `json:"code"`
	Message        string   `json:"message"`
	Headers        []Header `json:"headers"`
	// Raw is the body of the final response only.
	Raw []byte `json:"-"`
}

// Header returns the first value of the named header, compared case-insensitively.
func (r Response) Header(name string) (string, bool) {
	return lookup(r.Headers, name)
}

// Values returns every value of the named header in wire order.
func (r Response) Values(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// IsRedirect reports whether code is in the 3xx range.
func IsRedirect(code int) bool {
	return code >= 300 && code < 400
}

func lookup(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
