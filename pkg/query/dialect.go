package query

import (
	"fmt"
	"strings"
	"time"
)

// BigQuery renders GoogleSQL. Tables without a project use DefaultProject.
type BigQuery struct {
	DefaultProject string
}

func (BigQuery) Name() string { return "bigquery" }

func (BigQuery) QuoteIdent(name string) string { return "`" + name + "`" }

func (d BigQuery) Table(ref TableRef) string {
	project := ref.Project
	if project == "" {
		project = d.DefaultProject
	}
	full := TableRef{Project: project, Namespace: ref.Namespace, Name: ref.Name}
	return "`" + full.String() + "`"
}

func (BigQuery) StringLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

func (BigQuery) DateTimeLiteral(t time.Time) string {
	return "DATETIME '" + t.Format(DateTimeLayout) + "'"
}

func (BigQuery) CastString(x string) string { return "CAST(" + x + " AS STRING)" }

func (BigQuery) ToDate(x string) string { return "CAST(" + x + " AS DATE)" }

func (BigQuery) AddDays(x string, days int) string {
	return fmt.Sprintf("DATE_ADD(%s, INTERVAL %d DAY)", x, days)
}

func (BigQuery) Concat(parts []string) string { return "CONCAT(" + strings.Join(parts, ", ") + ")" }

func (BigQuery) GenerateID() string { return "GENERATE_UUID()" }

// Postgres renders PostgreSQL; namespaces map to schemas and projects are ignored.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdent(name string) string { return `"` + name + `"` }

func (d Postgres) Table(ref TableRef) string {
	if ref.Namespace == "" {
		return d.QuoteIdent(ref.Name)
	}
	return d.QuoteIdent(ref.Namespace) + "." + d.QuoteIdent(ref.Name)
}

func (Postgres) StringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (Postgres) DateTimeLiteral(t time.Time) string {
	return "TIMESTAMP '" + t.Format(DateTimeLayout) + "'"
}

func (Postgres) CastString(x string) string { return "CAST(" + x + " AS TEXT)" }

func (Postgres) ToDate(x string) string { return "CAST(" + x + " AS DATE)" }

func (Postgres) AddDays(x string, days int) string {
	return fmt.Sprintf("CAST(%s + INTERVAL '%d days' AS DATE)", x, days)
}

func (Postgres) Concat(parts []string) string { return "(" + strings.Join(parts, " || ") + ")" }

func (Postgres) GenerateID() string { return "CAST(gen_random_uuid() AS TEXT)" }
