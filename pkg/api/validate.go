// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package api

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	// MinTime and MaxTime bound every timestamp the API accepts:
	// 2017-01-01T00:00:00Z through 9999-12-31T23:59:59Z.
	MinTime int64 = 1483228800
	MaxTime int64 = 253402300799

	maxReqItems = 100000
	defReqItems = 100
)

// FieldError is one entry of a Bad Request response's errors list.
type FieldError struct {
	APIError string `json:"api_error"`
	Message  string `json:"message"`
}

func invalidRequest(format string, args ...interface{}) FieldError {
	return FieldError{APIError: "Invalid request", Message: fmt.Sprintf(format, args...)}
}

// queryWindow holds the common query parameters after validation. Absent
// times stay nil (open bound); an absent item_limit gets the default.
type queryWindow struct {
	timeFrom  *int64
	timeTo    *int64
	itemLimit int
}

// parseTimeWindow validates time_from/time_to. Both are optional, must be
// plausible epoch timestamps, and time_to may not precede time_from.
func parseTimeWindow(r *http.Request) (from, to *int64, errs []FieldError) {
	from, okFrom := intParam(r, "time_from")
	to, okTo := intParam(r, "time_to")

	if !okFrom || (from != nil && !validEpoch(*from)) {
		errs = append(errs, invalidRequest(
			"Invalid time_from.  Must be valid UNIX epoch timestamp on or before time_to, and between %d and %d.",
			MinTime, MaxTime))
	}
	if !okTo || (to != nil && (!validEpoch(*to) || (from != nil && *to < *from))) {
		errs = append(errs, invalidRequest(
			"Invalid time_to.  Must be valid UNIX epoch timestamp on or after time_from, and between %d and %d.",
			MinTime, MaxTime))
	}
	return from, to, errs
}

// parseQueryWindow validates the time window plus item_limit.
func parseQueryWindow(r *http.Request) (queryWindow, []FieldError) {
	from, to, errs := parseTimeWindow(r)
	win := queryWindow{timeFrom: from, timeTo: to, itemLimit: defReqItems}

	limit, ok := intParam(r, "item_limit")
	switch {
	case !ok || (limit != nil && (*limit <= 0 || *limit > maxReqItems)):
		errs = append(errs, invalidRequest("Invalid item_limit."))
	case limit != nil:
		win.itemLimit = int(*limit)
	}
	return win, errs
}

func validEpoch(ts int64) bool {
	return ts >= MinTime && ts <= MaxTime
}

// intParam reads an optional integer query parameter. An absent parameter
// is (nil, true); an unparseable one is (nil, false).
func intParam(r *http.Request, name string) (*int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// boolParam reads an optional boolean query parameter, defaulting to false.
func boolParam(r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intVal(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// orMaxTime widens a nil upper bound to the maximum accepted timestamp,
// for operations whose range filters have no open-bound form.
func orMaxTime(v *int64) int64 {
	if v == nil {
		return MaxTime
	}
	return *v
}
