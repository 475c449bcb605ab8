// Package dates parses free-form calendar dates under a configurable
// day/month/year ordering policy.
package dates

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownOrder = errors.New("unknown date order")

// Order names the component ordering a source uses.
type Order string

const (
	YMD Order = "YMD"
	DMY Order = "DMY"
	MDY Order = "MDY"
)

// ParseOrder is case-insensitive; an empty string means YMD.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToUpper(strings.TrimSpace(s))); o {
	case "":
		return YMD, nil
	case YMD, DMY, MDY:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOrder, s)
	}
}

// Flags returns the (yearFirst, dayFirst) pair that drives ambiguity
// resolution for o.
func (o Order) Flags() (yearFirst, dayFirst bool) {
	switch o {
	case DMY:
		return false, true
	case MDY:
		return false, false
	default:
		return true, false
	}
}

type Component int

const (
	Year Component = iota
	Month
	Day
)

// Components lists year, month and day in the order o writes them.
func (o Order) Components() [3]Component {
	switch o {
	case DMY:
		return [3]Component{Day, Month, Year}
	case MDY:
		return [3]Component{Month, Day, Year}
	default:
		return [3]Component{Year, Month, Day}
	}
}

// AmbiguousYears reports whether every value is at most eight characters
// long, the shape of dates written with two-digit years. An empty input is
// not ambiguous.
func AmbiguousYears(values []string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if len(v) > 8 {
			return false
		}
	}
	return true
}
