package run

import (
	"strconv"
	"strings"
	"time"
)

// dottedOrderSeparator joins order segments of successive ancestors.
const dottedOrderSeparator = "."

// isoMillis is ISO-8601 at millisecond precision without the zone designator.
const isoMillis = "2006-01-02T15:04:05.000"

var segmentStripper = strings.NewReplacer("-", "", ":", "", ".", "")

// OrderSegment builds the order segment of a run: the UTC start time at
// millisecond precision, the execution order rendered on three zero-padded
// digits (only the first three digits are kept), a literal "Z", and the run
// ID. The "-", ":" and "." characters of the timestamp are stripped.
//
// For a run "t1" started at 2024-01-02T03:04:05.678Z with execution order 2
// the segment is "20240102T030405678002Zt1".
func OrderSegment(start time.Time, executionOrder int, id string) string {
	order := strconv.Itoa(executionOrder)
	if len(order) > 3 {
		order = order[:3]
	}
	for len(order) < 3 {
		order = "0" + order
	}
	ts := start.UTC().Format(isoMillis)
	return segmentStripper.Replace(ts+order+"Z") + id
}

// JoinDottedOrder appends segment to the parent's dotted order. An empty
// parent yields the segment alone.
func JoinDottedOrder(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + dottedOrderSeparator + segment
}

// SplitDottedOrder returns the order segments of a dotted order, root first.
// Run IDs must not contain "." for the split to be exact.
func SplitDottedOrder(dotted string) []string {
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, dottedOrderSeparator)
}
