package query

// The recurring query shapes used by the linkage pipeline.

// Copy selects every column of src.
func Copy(src TableRef) *Select {
	return &Select{Items: []Item{AllColumns()}, From: From(src, "")}
}

// UnionAll stacks the same projection over several tables.
func UnionAll(tables []TableRef, items func(alias string) []Item, where func(alias string) Expr) *Union {
	u := &Union{All: true}
	for _, t := range tables {
		s := &Select{Items: items("t"), From: From(t, "t")}
		if where != nil {
			s.Where = where("t")
		}
		u.Queries = append(u.Queries, s)
	}
	return u
}

// UnionDistinct returns the distinct values of column across tables.
func UnionDistinct(column string, tables []TableRef) *Select {
	all := UnionAll(tables, func(alias string) []Item {
		return []Item{As(Col(alias, column), column)}
	}, nil)
	return &Select{
		Distinct: true,
		Items:    []Item{As(Col("u", column), column)},
		From:     FromQuery(all, "u"),
	}
}

// LeftJoinLookup prepends lookup.value to every row of base, matching base.key
// to lookup.key. Rows without a match keep a null value.
func LeftJoinLookup(base, lookup TableRef, key, value string) *Select {
	return &Select{
		Items: []Item{As(Col("l", value), value), AllOf("b")},
		From:  From(base, "b"),
		Joins: []Join{{
			Kind:   LeftJoin,
			Source: From(lookup, "l"),
			On:     Cmp(Eq, Col("b", key), Col("l", key)),
		}},
	}
}

// MinMaxGroup groups src by key and projects the given aggregates.
func MinMaxGroup(src Source, key string, aggs ...Item) *Select {
	alias := src.SourceAlias()
	items := append([]Item{As(Col(alias, key), key)}, aggs...)
	return &Select{
		Items:   items,
		From:    src,
		GroupBy: []Expr{Col(alias, key)},
	}
}

// PartitionFilter returns the rows of table (aliased "t") joined on key to
// window (aliased "w") for which outside is true, or for which it is not true
// when keepOutside is false. Rows without a window row are never outside, so
// the two halves always split the table exactly.
func PartitionFilter(table, window TableRef, key string, outside Expr, keepOutside bool) *Select {
	pred := Expr(Coalesce{Args: []Expr{outside, Lit(false)}})
	if !keepOutside {
		pred = Not{X: pred}
	}
	return &Select{
		Items: []Item{AllOf("t")},
		From:  From(table, "t"),
		Joins: []Join{{
			Kind:   LeftJoin,
			Source: From(window, "w"),
			On:     Cmp(Eq, Col("t", key), Col("w", key)),
		}},
		Where: pred,
	}
}
