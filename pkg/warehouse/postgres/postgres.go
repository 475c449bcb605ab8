// Package postgres runs the warehouse gateway against PostgreSQL. Namespaces
// are schemas and the project part of a table reference is ignored.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"gorm.io/gorm"
)

const (
	stagingSuffix = "__fdm_staging"
	insertBatch   = 500
)

// SQLSTATE codes folded into the warehouse sentinels.
const (
	undefinedTable  = "42P01"
	undefinedColumn = "42703"
	undefinedSchema = "3F000"
	duplicateTable  = "42P07"
	duplicateSchema = "42P06"
)

type Warehouse struct {
	db      *gorm.DB
	dialect query.Postgres
	log     *logrus.Entry
}

var _ warehouse.Gateway = (*Warehouse)(nil)

func New(db *gorm.DB) *Warehouse {
	return &Warehouse{db: db, log: logger.Entry().WithField("warehouse", "postgres")}
}

func (w *Warehouse) table(ref warehouse.TableRef) string {
	return w.dialect.Table(warehouse.TableRef{Namespace: ref.Namespace, Name: ref.Name})
}

func (w *Warehouse) Query(ctx context.Context, q query.Query) (*warehouse.RowSet, error) {
	sql, err := query.Render(q, w.dialect)
	if err != nil {
		return nil, err
	}
	w.log.WithField("sql", sql).Debug("running query")
	rows, err := w.db.WithContext(ctx).Raw(sql).Rows()
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	rs := &warehouse.RowSet{Columns: make([]query.Column, len(types))}
	for i, ct := range types {
		rs.Columns[i] = query.Column{Name: ct.Name(), Type: driverType(ct.DatabaseTypeName())}
	}
	for rows.Next() {
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		rs.Rows = append(rs.Rows, vals)
	}
	return rs, mapError(rows.Err())
}

// Materialize builds the result in a staging table and swaps it in within
// one transaction, so q may read dest.
func (w *Warehouse) Materialize(ctx context.Context, q query.Query, dest warehouse.TableRef) (int64, error) {
	sql, err := query.Render(q, w.dialect)
	if err != nil {
		return 0, err
	}
	staging := dest.Sibling(dest.Name + stagingSuffix)
	var n int64
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP TABLE IF EXISTS " + w.table(staging)).Error; err != nil {
			return err
		}
		res := tx.Exec("CREATE TABLE " + w.table(staging) + " AS " + sql)
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		if err := tx.Exec("DROP TABLE IF EXISTS " + w.table(dest)).Error; err != nil {
			return err
		}
		return tx.Exec("ALTER TABLE " + w.table(staging) + " RENAME TO " + w.dialect.QuoteIdent(dest.Name)).Error
	})
	if err != nil {
		return 0, fmt.Errorf("materialize %s: %w", dest, mapError(err))
	}
	return n, nil
}

func (w *Warehouse) LoadRows(ctx context.Context, dest warehouse.TableRef, columns []query.Column, rows [][]any) error {
	if len(columns) == 0 {
		return errors.New("load rows: no columns")
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(columns))
		}
	}
	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = w.dialect.QuoteIdent(c.Name)
		defs[i] = names[i] + " " + columnType(c.Type)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP TABLE IF EXISTS " + w.table(dest)).Error; err != nil {
			return err
		}
		if err := tx.Exec("CREATE TABLE " + w.table(dest) + " (" + strings.Join(defs, ", ") + ")").Error; err != nil {
			return err
		}
		for start := 0; start < len(rows); start += insertBatch {
			end := min(start+insertBatch, len(rows))
			values := make([]string, 0, end-start)
			args := make([]any, 0, (end-start)*len(columns))
			for _, row := range rows[start:end] {
				values = append(values, placeholder)
				args = append(args, row...)
			}
			stmt := "INSERT INTO " + w.table(dest) + " (" + strings.Join(names, ", ") + ") VALUES " + strings.Join(values, ", ")
			if err := tx.Exec(stmt, args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", dest, mapError(err))
	}
	return nil
}

func (w *Warehouse) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	var n int64
	err := w.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		ref.Namespace, ref.Name,
	).Scan(&n).Error
	return n > 0, err
}

type columnInfo struct {
	ColumnName string
	DataType   string
}

func (w *Warehouse) GetSchema(ctx context.Context, ref warehouse.TableRef) ([]query.Column, error) {
	var info []columnInfo
	err := w.db.WithContext(ctx).Raw(
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position",
		ref.Namespace, ref.Name,
	).Scan(&info).Error
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("%w: table %s", warehouse.ErrNotFound, ref)
	}
	cols := make([]query.Column, len(info))
	for i, c := range info {
		cols[i] = query.Column{Name: c.ColumnName, Type: schemaType(c.DataType)}
	}
	return cols, nil
}

func (w *Warehouse) RenameColumns(ctx context.Context, ref warehouse.TableRef, mapping map[string]string) error {
	if len(mapping) == 0 {
		return nil
	}
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for from, to := range mapping {
			stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
				w.table(ref), w.dialect.QuoteIdent(from), w.dialect.QuoteIdent(to))
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return mapError(err)
}

func (w *Warehouse) DropColumn(ctx context.Context, ref warehouse.TableRef, column string) error {
	stmt := "ALTER TABLE " + w.table(ref) + " DROP COLUMN " + w.dialect.QuoteIdent(column)
	return mapError(w.db.WithContext(ctx).Exec(stmt).Error)
}

func (w *Warehouse) DeleteTable(ctx context.Context, ref warehouse.TableRef) error {
	return mapError(w.db.WithContext(ctx).Exec("DROP TABLE " + w.table(ref)).Error)
}

func (w *Warehouse) RowCount(ctx context.Context, ref warehouse.TableRef) (int64, error) {
	var n int64
	err := w.db.WithContext(ctx).Raw("SELECT COUNT(*) FROM " + w.table(ref)).Scan(&n).Error
	return n, mapError(err)
}

func (w *Warehouse) NamespaceExists(ctx context.Context, _ string, namespace string) (bool, error) {
	var n int64
	err := w.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", namespace,
	).Scan(&n).Error
	return n > 0, err
}

func (w *Warehouse) CreateNamespace(ctx context.Context, _ string, namespace string) error {
	if err := query.ValidateIdentifier(namespace); err != nil {
		return err
	}
	return mapError(w.db.WithContext(ctx).Exec("CREATE SCHEMA " + w.dialect.QuoteIdent(namespace)).Error)
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case undefinedTable, undefinedColumn, undefinedSchema:
		return fmt.Errorf("%w: %s", warehouse.ErrNotFound, pgErr.Message)
	case duplicateTable, duplicateSchema:
		return fmt.Errorf("%w: %s", warehouse.ErrAlreadyExists, pgErr.Message)
	default:
		return err
	}
}

func columnType(t query.Type) string {
	switch t {
	case query.TypeInt:
		return "BIGINT"
	case query.TypeFloat:
		return "DOUBLE PRECISION"
	case query.TypeBool:
		return "BOOLEAN"
	case query.TypeDate:
		return "DATE"
	case query.TypeDateTime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// schemaType maps information_schema.columns.data_type.
func schemaType(dataType string) query.Type {
	switch strings.ToLower(dataType) {
	case "text", "character varying", "character", "uuid":
		return query.TypeString
	case "bigint", "integer", "smallint":
		return query.TypeInt
	case "double precision", "real", "numeric":
		return query.TypeFloat
	case "boolean":
		return query.TypeBool
	case "date":
		return query.TypeDate
	case "timestamp without time zone", "timestamp with time zone":
		return query.TypeDateTime
	default:
		return query.TypeUnknown
	}
}

// driverType maps the pgx type names reported on result columns.
func driverType(name string) query.Type {
	switch strings.ToUpper(name) {
	case "TEXT", "VARCHAR", "BPCHAR", "UUID", "NAME":
		return query.TypeString
	case "INT2", "INT4", "INT8":
		return query.TypeInt
	case "FLOAT4", "FLOAT8", "NUMERIC":
		return query.TypeFloat
	case "BOOL":
		return query.TypeBool
	case "DATE":
		return query.TypeDate
	case "TIMESTAMP", "TIMESTAMPTZ":
		return query.TypeDateTime
	default:
		return query.TypeUnknown
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}
