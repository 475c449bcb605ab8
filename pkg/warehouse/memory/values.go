package memory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/synaptica-ai/fdm/pkg/query"
)

func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC()
	case *string:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}

func valueType(v any) query.Type {
	switch val := v.(type) {
	case string:
		return query.TypeString
	case int64:
		return query.TypeInt
	case float64:
		return query.TypeFloat
	case bool:
		return query.TypeBool
	case time.Time:
		if query.IsMidnight(val) {
			return query.TypeDate
		}
		return query.TypeDateTime
	default:
		return query.TypeUnknown
	}
}

// compareValues orders two non-null values of compatible types.
func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, bv), nil
		case float64:
			return cmpOrdered(float64(av), bv), nil
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, float64(bv)), nil
		case float64:
			return cmpOrdered(av, bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s with %s", valueType(a), valueType(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func castString(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		if query.IsMidnight(val) {
			return val.Format(query.DateLayout), nil
		}
		return val.Format(query.DateTimeLayout), nil
	default:
		return nil, fmt.Errorf("cannot cast %T to STRING", v)
	}
}

func toDate(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		y, m, d := val.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range []string{query.DateLayout, query.DateTimeLayout, time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return toDate(t)
			}
		}
		return nil, fmt.Errorf("invalid date %q", val)
	default:
		return nil, fmt.Errorf("cannot cast %T to DATE", v)
	}
}

func rowKey(row []any) string {
	var b strings.Builder
	for _, v := range row {
		switch val := v.(type) {
		case nil:
			b.WriteString("null")
		case time.Time:
			b.WriteString("t:")
			b.WriteString(val.Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}

func distinctRows(rows [][]any) [][]any {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		k := rowKey(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}
