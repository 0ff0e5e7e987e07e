package planner

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateState is the last server-reported rate limit. Each value is unknown
// until a response carrying its header has been observed.
type RateState struct {
	Limit     int
	Remaining int
	Window    time.Duration

	HasLimit     bool
	HasRemaining bool
	HasWindow    bool
}

// Known reports whether both limit and remaining have been observed.
func (s RateState) Known() bool {
	return s.HasLimit && s.HasRemaining
}

// WindowOrDefault returns the reported window, or DefaultWindow.
func (s RateState) WindowOrDefault() time.Duration {
	if s.HasWindow && s.Window > 0 {
		return s.Window
	}
	return DefaultWindow
}

// rateUpdate applies one parsed header value to a state.
type rateUpdate func(RateState, int64) RateState

type rateHeader struct {
	name   string
	update rateUpdate
}

func setLimit(s RateState, v int64) RateState {
	s.Limit = int(v)
	s.HasLimit = true
	return s
}

func setRemaining(s RateState, v int64) RateState {
	s.Remaining = int(v)
	s.HasRemaining = true
	return s
}

func setWindow(s RateState, v int64) RateState {
	s.Window = time.Duration(v) * time.Millisecond
	s.HasWindow = true
	return s
}

func rateHeaderTable(h HeaderNames) []rateHeader {
	return []rateHeader{
		{name: h.Window, update: setWindow},
		{name: h.Limit, update: setLimit},
		{name: h.Remaining, update: setRemaining},
	}
}

type rateValue struct {
	update rateUpdate
	v      int64
}

// rateValues are parsed header values waiting to be applied to a state.
type rateValues []rateValue

func (vs rateValues) apply(s RateState) RateState {
	for _, rv := range vs {
		s = rv.update(s, rv.v)
	}
	return s
}

// parseRateHeaders reads every rate header present in header. Nothing is
// returned if any present header is malformed.
func parseRateHeaders(table []rateHeader, header http.Header) (rateValues, error) {
	var values rateValues
	for _, rh := range table {
		v, ok, err := parseNumberHeader(header, rh.name)
		if err != nil {
			return nil, err
		}
		if ok {
			values = append(values, rateValue{update: rh.update, v: v})
		}
	}
	return values, nil
}

// parseNumberHeader returns the integer value of a header. ok is false if
// the header is absent.
func parseNumberHeader(header http.Header, name string) (v int64, ok bool, err error) {
	raw := header.Get(name)
	if raw == "" {
		return 0, false, nil
	}

	v, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, &HeaderParseError{Header: name, Value: raw, Err: err}
	}
	return v, true, nil
}
