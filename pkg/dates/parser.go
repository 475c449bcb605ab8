package dates

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var ErrUnparseable = errors.New("unparseable date")

var monthNames = map[string]int{
	"jan": 1, "january": 1,
	"feb": 2, "february": 2,
	"mar": 3, "march": 3,
	"apr": 4, "april": 4,
	"may": 5,
	"jun": 6, "june": 6,
	"jul": 7, "july": 7,
	"aug": 8, "august": 8,
	"sep": 9, "sept": 9, "september": 9,
	"oct": 10, "october": 10,
	"nov": 11, "november": 11,
	"dec": 12, "december": 12,
}

var ignoredWords = map[string]struct{}{
	"mon": {}, "monday": {}, "tue": {}, "tues": {}, "tuesday": {},
	"wed": {}, "wednesday": {}, "thu": {}, "thur": {}, "thurs": {}, "thursday": {},
	"fri": {}, "friday": {}, "sat": {}, "saturday": {}, "sun": {}, "sunday": {},
	"of": {}, "the": {}, "on": {}, "at": {}, "am": {}, "pm": {},
	"z": {}, "utc": {}, "gmt": {},
}

var ordinalSuffixes = map[string]struct{}{"st": {}, "nd": {}, "rd": {}, "th": {}}

type Parser struct {
	yearFirst bool
	dayFirst  bool
	refYear   int
}

type Option func(*Parser)

// WithReferenceYear pins the year two-digit years are resolved against.
func WithReferenceYear(year int) Option {
	return func(p *Parser) {
		if year > 0 {
			p.refYear = year
		}
	}
}

func NewParser(order Order, opts ...Option) *Parser {
	yearFirst, dayFirst := order.Flags()
	p := &Parser{yearFirst: yearFirst, dayFirst: dayFirst, refYear: time.Now().Year()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type token struct {
	text  string
	num   int
	month int
}

func (t token) isMonthName() bool { return t.month > 0 }

// Parse returns the calendar date in raw at UTC midnight. Time-of-day parts
// are ignored. A missing day or month defaults to 1; a missing year is an
// error.
func (p *Parser) Parse(raw string) (time.Time, error) {
	toks, err := tokenize(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrUnparseable, raw, err)
	}
	if len(toks) == 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
	if len(toks) == 1 && !toks[0].isMonthName() {
		if t, ok := p.compact(toks[0].text); ok {
			return t, nil
		}
	}
	if len(toks) > 3 {
		return time.Time{}, fmt.Errorf("%w: %q: too many date components", ErrUnparseable, raw)
	}

	vals := make([]int, len(toks))
	yearIdx, monthIdx := -1, -1
	for i, tok := range toks {
		switch {
		case tok.isMonthName():
			if monthIdx >= 0 {
				return time.Time{}, fmt.Errorf("%w: %q: two month names", ErrUnparseable, raw)
			}
			monthIdx = i
			vals[i] = tok.month
		default:
			if len(tok.text) > 2 && yearIdx < 0 {
				yearIdx = i
			}
			vals[i] = tok.num
		}
	}

	yi, mi, di := p.resolve(vals, yearIdx, monthIdx)
	if yi < 0 {
		return time.Time{}, fmt.Errorf("%w: %q: no year", ErrUnparseable, raw)
	}
	year, month, day := vals[yi], 1, 1
	if mi >= 0 {
		month = vals[mi]
	}
	if di >= 0 {
		day = vals[di]
	}
	if len(toks[yi].text) <= 2 {
		year = p.fullYear(year)
	}
	return build(raw, year, month, day)
}

// compact handles YYYYMMDD (optionally followed by a time) and YYMMDD.
func (p *Parser) compact(digits string) (time.Time, bool) {
	var year, month, day int
	switch len(digits) {
	case 8, 12, 14:
		year, _ = strconv.Atoi(digits[0:4])
		month, _ = strconv.Atoi(digits[4:6])
		day, _ = strconv.Atoi(digits[6:8])
	case 6:
		year, _ = strconv.Atoi(digits[0:2])
		year = p.fullYear(year)
		month, _ = strconv.Atoi(digits[2:4])
		day, _ = strconv.Atoi(digits[4:6])
	default:
		return time.Time{}, false
	}
	t, err := build(digits, year, month, day)
	return t, err == nil
}

// resolve assigns year, month and day positions; -1 marks a missing part.
func (p *Parser) resolve(vals []int, yearIdx, monthIdx int) (yi, mi, di int) {
	yi, mi, di = -1, -1, -1
	n := len(vals)

	if n == 3 && yearIdx >= 0 && monthIdx >= 0 && yearIdx != monthIdx {
		return yearIdx, monthIdx, 3 - yearIdx - monthIdx
	}

	switch n {
	case 1:
		if monthIdx == 0 {
			return -1, 0, -1
		}
		if vals[0] > 31 || yearIdx == 0 {
			return 0, -1, -1
		}
		return -1, -1, 0
	case 2:
		if monthIdx >= 0 {
			other := 1 - monthIdx
			if vals[other] > 31 || yearIdx == other {
				return other, monthIdx, -1
			}
			return -1, monthIdx, other
		}
		a, b := vals[0], vals[1]
		switch {
		case a > 31 || yearIdx == 0:
			return 0, 1, -1
		case b > 31 || yearIdx == 1:
			return 1, 0, -1
		case p.dayFirst && b <= 12:
			return -1, 1, 0
		default:
			return -1, 0, 1
		}
	case 3:
		a, b, c := vals[0], vals[1], vals[2]
		switch monthIdx {
		case 0:
			if b > 31 || yearIdx == 1 {
				return 1, 0, 2
			}
			return 2, 0, 1
		case 1:
			if a > 31 || yearIdx == 0 || (p.yearFirst && c <= 31) {
				return 0, 1, 2
			}
			return 2, 1, 0
		case 2:
			if b > 31 || yearIdx == 1 {
				return 1, 2, 0
			}
			return 0, 2, 1
		}
		switch {
		case a > 31 || yearIdx == 0 || (p.yearFirst && b <= 12 && c <= 31):
			if p.dayFirst && c <= 12 {
				return 0, 2, 1
			}
			return 0, 1, 2
		case a > 12 || (p.dayFirst && b <= 12):
			return 2, 1, 0
		default:
			return 2, 0, 1
		}
	}
	return yi, mi, di
}

// fullYear places a two-digit year within fifty years of the reference year.
func (p *Parser) fullYear(year int) int {
	if year >= 100 {
		return year
	}
	year += p.refYear / 100 * 100
	switch {
	case year >= p.refYear+50:
		year -= 100
	case year < p.refYear-50:
		year += 100
	}
	return year
}

func build(raw string, year, month, day int) (time.Time, error) {
	if year < 1 || year > 9999 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: %q: out of range", ErrUnparseable, raw)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %q: no such day", ErrUnparseable, raw)
	}
	return t, nil
}

func tokenize(s string) ([]token, error) {
	var toks []token
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	for _, field := range fields {
		if i := strings.IndexByte(field, 't'); i > 0 && isDigit(field[i-1]) && strings.Contains(field[i:], ":") {
			field = field[:i]
		}
		if strings.Contains(field, ":") || strings.HasPrefix(field, "+") {
			continue
		}
		parts := strings.FieldsFunc(field, func(r rune) bool {
			return r == '-' || r == '/' || r == '.'
		})
		for _, part := range parts {
			runs, err := splitRuns(part)
			if err != nil {
				return nil, err
			}
			for _, run := range runs {
				if isDigit(run[0]) {
					n, err := strconv.Atoi(run)
					if err != nil {
						return nil, err
					}
					toks = append(toks, token{text: run, num: n})
					continue
				}
				if m, ok := monthNames[run]; ok {
					toks = append(toks, token{text: run, month: m})
					continue
				}
				if _, ok := ordinalSuffixes[run]; ok && len(toks) > 0 && !toks[len(toks)-1].isMonthName() {
					continue
				}
				if _, ok := ignoredWords[run]; ok {
					continue
				}
				return nil, fmt.Errorf("unknown word %q", run)
			}
		}
	}
	return toks, nil
}

// splitRuns breaks s into maximal runs of ASCII digits or letters.
func splitRuns(s string) ([]string, error) {
	var runs []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i < len(s) && isDigit(s[i]) == isDigit(s[i-1]) {
			continue
		}
		run := s[start:i]
		for j := 0; j < len(run); j++ {
			if !isDigit(run[j]) && (run[j] < 'a' || run[j] > 'z') {
				return nil, fmt.Errorf("unexpected character %q", run[j])
			}
		}
		runs = append(runs, run)
		start = i
	}
	return runs, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
