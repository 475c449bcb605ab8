// Package bigquery runs the warehouse gateway against Google BigQuery.
// Namespaces are datasets; every query is rendered in GoogleSQL.
package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type Config struct {
	Project  string
	Location string
	// CredentialsFile points at a service account key. AccessToken, when set,
	// is used instead. With neither, application default credentials apply.
	CredentialsFile string
	AccessToken     string
}

type Warehouse struct {
	client   *bigquery.Client
	project  string
	location string
	dialect  query.BigQuery
	log      *logrus.Entry
}

var _ warehouse.Gateway = (*Warehouse)(nil)

func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	if cfg.Project == "" {
		return nil, errors.New("bigquery project is required")
	}
	var opts []option.ClientOption
	switch {
	case cfg.AccessToken != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}
	return &Warehouse{
		client:   client,
		project:  cfg.Project,
		location: cfg.Location,
		dialect:  query.BigQuery{DefaultProject: cfg.Project},
		log:      logger.Entry().WithField("warehouse", "bigquery"),
	}, nil
}

func (w *Warehouse) Close() error {
	return w.client.Close()
}

func (w *Warehouse) projectOf(project string) string {
	if project == "" {
		return w.project
	}
	return project
}

func (w *Warehouse) table(ref warehouse.TableRef) *bigquery.Table {
	return w.client.DatasetInProject(w.projectOf(ref.Project), ref.Namespace).Table(ref.Name)
}

func (w *Warehouse) render(q query.Query) (string, error) {
	return query.Render(q, w.dialect)
}

// run executes a statement as a job and waits for it.
func (w *Warehouse) run(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return mapError(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return mapError(err)
	}
	if err := status.Err(); err != nil {
		return mapError(err)
	}
	return nil
}

func (w *Warehouse) Query(ctx context.Context, q query.Query) (*warehouse.RowSet, error) {
	sql, err := w.render(q)
	if err != nil {
		return nil, err
	}
	w.log.WithField("sql", sql).Debug("running query")
	it, err := w.client.Query(sql).Read(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	rs := &warehouse.RowSet{}
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError(err)
		}
		out := make([]any, len(row))
		for i, v := range row {
			out[i] = fromValue(v)
		}
		rs.Rows = append(rs.Rows, out)
	}
	rs.Columns = schemaColumns(it.Schema)
	return rs, nil
}

// Materialize writes the query result over dest in one job, so q may read
// dest itself.
func (w *Warehouse) Materialize(ctx context.Context, q query.Query, dest warehouse.TableRef) (int64, error) {
	sql, err := w.render(q)
	if err != nil {
		return 0, err
	}
	started := time.Now()
	job := w.client.Query(sql)
	job.Dst = w.table(dest)
	job.WriteDisposition = bigquery.WriteTruncate
	job.CreateDisposition = bigquery.CreateIfNeeded
	if err := w.run(ctx, job); err != nil {
		return 0, fmt.Errorf("materialize %s: %w", dest, err)
	}
	n, err := w.RowCount(ctx, dest)
	if err != nil {
		return 0, err
	}
	w.log.WithFields(logrus.Fields{"table": dest.String(), "rows": n, "duration": time.Since(started).String()}).Debug("materialized table")
	return n, nil
}

// LoadRows replaces dest through a newline-delimited JSON load job.
func (w *Warehouse) LoadRows(ctx context.Context, dest warehouse.TableRef, columns []query.Column, rows [][]any) error {
	schema := toSchema(columns)
	tbl := w.table(dest)
	if len(rows) == 0 {
		if err := tbl.Delete(ctx); err != nil && !isStatus(err, http.StatusNotFound) {
			return mapError(err)
		}
		return mapError(tbl.Create(ctx, &bigquery.TableMetadata{Schema: schema}))
	}

	body, err := encodeRows(columns, rows)
	if err != nil {
		return err
	}
	src := bigquery.NewReaderSource(bytes.NewReader(body))
	src.SourceFormat = bigquery.JSON
	src.Schema = schema

	loader := tbl.LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	job, err := loader.Run(ctx)
	if err != nil {
		return mapError(err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return mapError(err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load %s: %w", dest, mapError(err))
	}
	return nil
}

func (w *Warehouse) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	_, err := w.table(ref).Metadata(ctx)
	if isStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (w *Warehouse) GetSchema(ctx context.Context, ref warehouse.TableRef) ([]query.Column, error) {
	md, err := w.table(ref).Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("schema of %s: %w", ref, mapError(err))
	}
	return schemaColumns(md.Schema), nil
}

// RenameColumns rewrites the table with aliased columns. Unlike ALTER TABLE
// RENAME COLUMN this also handles renames that only change case.
func (w *Warehouse) RenameColumns(ctx context.Context, ref warehouse.TableRef, mapping map[string]string) error {
	if len(mapping) == 0 {
		return nil
	}
	cols, err := w.GetSchema(ctx, ref)
	if err != nil {
		return err
	}
	q, err := renameSelect(ref, cols, mapping)
	if err != nil {
		return err
	}
	_, err = w.Materialize(ctx, q, ref)
	return err
}

func (w *Warehouse) DropColumn(ctx context.Context, ref warehouse.TableRef, column string) error {
	cols, err := w.GetSchema(ctx, ref)
	if err != nil {
		return err
	}
	q, err := dropSelect(ref, cols, column)
	if err != nil {
		return err
	}
	_, err = w.Materialize(ctx, q, ref)
	return err
}

func (w *Warehouse) DeleteTable(ctx context.Context, ref warehouse.TableRef) error {
	if err := w.table(ref).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", ref, mapError(err))
	}
	return nil
}

func (w *Warehouse) RowCount(ctx context.Context, ref warehouse.TableRef) (int64, error) {
	rs, err := w.Query(ctx, &query.Select{
		Items: []query.Item{query.As(query.CountAll(), "n")},
		From:  query.From(ref, "t"),
	})
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) != 1 || len(rs.Rows[0]) != 1 {
		return 0, fmt.Errorf("row count of %s: unexpected result shape", ref)
	}
	n, ok := rs.Rows[0][0].(int64)
	if !ok {
		return 0, fmt.Errorf("row count of %s: unexpected type %T", ref, rs.Rows[0][0])
	}
	return n, nil
}

func (w *Warehouse) NamespaceExists(ctx context.Context, project, namespace string) (bool, error) {
	_, err := w.client.DatasetInProject(w.projectOf(project), namespace).Metadata(ctx)
	if isStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (w *Warehouse) CreateNamespace(ctx context.Context, project, namespace string) error {
	ds := w.client.DatasetInProject(w.projectOf(project), namespace)
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: w.location}); err != nil {
		return fmt.Errorf("create dataset %s: %w", namespace, mapError(err))
	}
	return nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// mapError folds BigQuery HTTP statuses into the warehouse sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %v", warehouse.ErrNotFound, err)
	case isStatus(err, http.StatusConflict):
		return fmt.Errorf("%w: %v", warehouse.ErrAlreadyExists, err)
	default:
		return err
	}
}

var fieldTypes = map[bigquery.FieldType]query.Type{
	bigquery.StringFieldType:    query.TypeString,
	bigquery.IntegerFieldType:   query.TypeInt,
	bigquery.FloatFieldType:     query.TypeFloat,
	bigquery.NumericFieldType:   query.TypeFloat,
	bigquery.BooleanFieldType:   query.TypeBool,
	bigquery.DateFieldType:      query.TypeDate,
	bigquery.DateTimeFieldType:  query.TypeDateTime,
	bigquery.TimestampFieldType: query.TypeDateTime,
}

func schemaColumns(schema bigquery.Schema) []query.Column {
	cols := make([]query.Column, len(schema))
	for i, f := range schema {
		t, ok := fieldTypes[f.Type]
		if !ok {
			t = query.TypeUnknown
		}
		cols[i] = query.Column{Name: f.Name, Type: t}
	}
	return cols
}

func toSchema(cols []query.Column) bigquery.Schema {
	schema := make(bigquery.Schema, len(cols))
	for i, c := range cols {
		ft := bigquery.StringFieldType
		switch c.Type {
		case query.TypeInt:
			ft = bigquery.IntegerFieldType
		case query.TypeFloat:
			ft = bigquery.FloatFieldType
		case query.TypeBool:
			ft = bigquery.BooleanFieldType
		case query.TypeDate:
			ft = bigquery.DateFieldType
		case query.TypeDateTime:
			ft = bigquery.DateTimeFieldType
		}
		schema[i] = &bigquery.FieldSchema{Name: c.Name, Type: ft}
	}
	return schema
}

// fromValue converts civil dates to UTC times so rows compare the same way
// whichever warehouse produced them.
func fromValue(v bigquery.Value) any {
	switch x := v.(type) {
	case civil.Date:
		return x.In(time.UTC)
	case civil.DateTime:
		return x.In(time.UTC)
	case time.Time:
		return x.UTC()
	default:
		return x
	}
}

// encodeRows renders rows as newline-delimited JSON for a load job.
func encodeRows(columns []query.Column, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(columns))
		}
		obj := make(map[string]any, len(columns))
		for j, c := range columns {
			obj[c.Name] = jsonValue(c.Type, row[j])
		}
		if err := enc.Encode(obj); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func jsonValue(t query.Type, v any) any {
	ts, ok := v.(time.Time)
	if !ok {
		return v
	}
	switch t {
	case query.TypeDate:
		return ts.Format(query.DateLayout)
	case query.TypeDateTime:
		return ts.Format("2006-01-02T15:04:05.999999")
	default:
		return ts.Format(time.RFC3339Nano)
	}
}

func renameSelect(ref warehouse.TableRef, cols []query.Column, mapping map[string]string) (*query.Select, error) {
	for from := range mapping {
		if !warehouse.HasColumn(cols, from) {
			return nil, fmt.Errorf("%w: column %q in %s", warehouse.ErrNotFound, from, ref)
		}
	}
	items := make([]query.Item, len(cols))
	for i, c := range cols {
		name := c.Name
		if to, ok := mapping[c.Name]; ok {
			name = to
		}
		items[i] = query.As(query.Col("t", c.Name), name)
	}
	return &query.Select{Items: items, From: query.From(ref, "t")}, nil
}

func dropSelect(ref warehouse.TableRef, cols []query.Column, column string) (*query.Select, error) {
	if !warehouse.HasColumn(cols, column) {
		return nil, fmt.Errorf("%w: column %q in %s", warehouse.ErrNotFound, column, ref)
	}
	items := make([]query.Item, 0, len(cols)-1)
	for _, c := range cols {
		if c.Name != column {
			items = append(items, query.As(query.Col("t", c.Name), c.Name))
		}
	}
	return &query.Select{Items: items, From: query.From(ref, "t")}, nil
}
