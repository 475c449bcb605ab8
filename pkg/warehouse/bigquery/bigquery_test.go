package bigquery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
	"google.golang.org/api/googleapi"
)

var visits = warehouse.TableRef{Project: "proj", Namespace: "fdm", Name: "visits"}

func TestSchemaRoundTrip(t *testing.T) {
	cols := []query.Column{
		{Name: "person_id", Type: query.TypeString},
		{Name: "n", Type: query.TypeInt},
		{Name: "score", Type: query.TypeFloat},
		{Name: "flag", Type: query.TypeBool},
		{Name: "event_start_date", Type: query.TypeDate},
		{Name: "birth_datetime", Type: query.TypeDateTime},
	}
	assert.Equal(t, cols, schemaColumns(toSchema(cols)))

	odd := schemaColumns(bigquery.Schema{{Name: "geo", Type: bigquery.GeographyFieldType}})
	assert.Equal(t, query.TypeUnknown, odd[0].Type)
}

func TestFromValueNormalizesDates(t *testing.T) {
	assert.Equal(t, time.Date(2001, 3, 4, 0, 0, 0, 0, time.UTC), fromValue(civil.Date{Year: 2001, Month: 3, Day: 4}))
	dt := civil.DateTime{Date: civil.Date{Year: 2001, Month: 3, Day: 4}, Time: civil.Time{Hour: 10, Minute: 30}}
	assert.Equal(t, time.Date(2001, 3, 4, 10, 30, 0, 0, time.UTC), fromValue(dt))
	assert.Equal(t, int64(7), fromValue(int64(7)))
	assert.Nil(t, fromValue(nil))
}

func TestEncodeRows(t *testing.T) {
	cols := []query.Column{
		{Name: "_correlation_id", Type: query.TypeString},
		{Name: "event_start_date", Type: query.TypeDate},
	}
	body, err := encodeRows(cols, [][]any{
		{"a", time.Date(2001, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"b", nil},
	})
	require.NoError(t, err)

	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "2001-03-04", lines[0]["event_start_date"])
	assert.Nil(t, lines[1]["event_start_date"])

	_, err = encodeRows(cols, [][]any{{"short"}})
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	notFound := fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound, Message: "Not found: Table"})
	assert.ErrorIs(t, mapError(notFound), warehouse.ErrNotFound)
	assert.ErrorIs(t, mapError(&googleapi.Error{Code: http.StatusConflict}), warehouse.ErrAlreadyExists)

	other := errors.New("quota exceeded")
	assert.Equal(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}

func TestRenameSelectKeepsOrder(t *testing.T) {
	cols := []query.Column{{Name: "edrn"}, {Name: "seen"}, {Name: "digest"}}
	q, err := renameSelect(visits, cols, map[string]string{"edrn": "EDRN"})
	require.NoError(t, err)

	sql, err := query.Render(q, query.BigQuery{})
	require.NoError(t, err)
	assert.Contains(t, sql, "t.`edrn` AS `EDRN`")
	assert.Less(t, bytes.Index([]byte(sql), []byte("`EDRN`")), bytes.Index([]byte(sql), []byte("`seen`")))

	_, err = renameSelect(visits, cols, map[string]string{"mrn": "MRN"})
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
}

func TestDropSelect(t *testing.T) {
	cols := []query.Column{{Name: "person_id"}, {Name: "_correlation_id"}}
	q, err := dropSelect(visits, cols, "_correlation_id")
	require.NoError(t, err)
	require.Len(t, q.Items, 1)
	assert.Equal(t, "person_id", q.Items[0].Alias)

	_, err = dropSelect(visits, cols, "absent")
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
}
