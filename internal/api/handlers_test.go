package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korm/internal/orm"
)

var invoiceCols = []string{"id", "number", "status", "total", "customer_id", "issued", "scan"}

func TestMetaHandlers(t *testing.T) {
	_, _, h := newTestServer(t)

	w := do(h, http.MethodGet, "/api/meta", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]metaEntityListItem](t, w)
	assert.Equal(t, []metaEntityListItem{
		{Module: "shop", Entity: "Card", Table: "shop.cards"},
		{Module: "shop", Entity: "Customer", Table: "shop.customers"},
		{Module: "shop", Entity: "Invoice", Table: "shop.invoices"},
	}, list)

	w = do(h, http.MethodGet, "/api/meta/shop/invoice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ent := decode[metaEntity](t, w)
	assert.Equal(t, "Invoice", ent.Entity)
	assert.Equal(t, []string{"-id"}, ent.Ordering)
	require.Len(t, ent.Fields, 7)
	assert.Equal(t, metaField{Name: "id", Column: "id", Type: "serial", Kind: "scalar", PK: true, Readonly: true}, ent.Fields[0])
	assert.Equal(t, []string{"new", "paid"}, ent.Fields[2].Enum)
	assert.Equal(t, "new", ent.Fields[2].Default)
	assert.Equal(t, "customer_id", ent.Fields[4].Column)
	assert.Equal(t, "to_one", ent.Fields[4].Kind)
	assert.Equal(t, "shop.Customer", ent.Fields[4].RefFQN)

	w = do(h, http.MethodGet, "/api/meta/shop/Customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cust := decode[metaEntity](t, w)
	assert.Equal(t, "one_to_one", cust.Fields[3].Kind)
	assert.True(t, cust.Fields[3].Readonly)

	w = do(h, http.MethodGet, "/api/meta/shop/Nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("INSERT INTO shop.invoices (number, status, total, customer_id, issued, scan) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id").
		WithArgs("A-1", "new", 10.5, int64(3), nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	w := do(h, http.MethodPost, "/api/shop/Invoice", map[string]any{
		"number":   "A-1",
		"total":    10.5,
		"customer": 3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, map[string]any{
		"id":          float64(7),
		"number":      "A-1",
		"status":      "new",
		"total":       10.5,
		"customer_id": float64(3),
	}, got)
}

func TestCreateHandler_RunsHooks(t *testing.T) {
	s, mock, h := newTestServer(t)
	var saved []any
	s.Hooks = orm.Hooks{
		"Customer": orm.PostSaveFunc(func(_ context.Context, _ *orm.Engine, inst *orm.Instance, isNew bool) error {
			assert.True(t, isNew)
			saved = append(saved, inst.PK())
			return nil
		}),
	}

	mock.ExpectQuery("INSERT INTO shop.customers (name, email) VALUES ($1, $2) RETURNING id").
		WithArgs("ann", "ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	w := do(h, http.MethodPost, "/api/shop/Customer", map[string]any{"name": "ann", "email": "ann@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []any{int64(1)}, saved)
}

func TestCreateHandler_Validation(t *testing.T) {
	_, _, h := newTestServer(t)

	w := do(h, http.MethodPost, "/api/shop/Invoice", map[string]any{
		"bogus":  1,
		"id":     3,
		"number": 5,
		"status": "void",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decode[struct {
		Errors []FieldError `json:"errors"`
	}](t, w)
	codes := make([]string, 0, len(got.Errors))
	for _, e := range got.Errors {
		codes = append(codes, e.Code+":"+e.Field)
	}
	assert.Equal(t, []string{
		"unknown_field:bogus",
		"readonly_field:id",
		"type_mismatch:number",
		"enum_invalid:status",
		"required:number",
	}, codes)

	w = do(h, http.MethodPost, "/api/shop/Invoice", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/api/shop/Nope", map[string]any{"a": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateHandler_UniqueViolation(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("INSERT INTO shop.customers (name, email) VALUES ($1, $2) RETURNING id").
		WithArgs("ann", "ann@example.com").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	w := do(h, http.MethodPost, "/api/shop/Customer", map[string]any{"name": "ann", "email": "ann@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate key")
}

func TestBulkCreateHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("INSERT INTO shop.customers (name, email) VALUES ($1, $2), ($3, $4) RETURNING id").
		WithArgs("a", nil, "b", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	w := do(h, http.MethodPost, "/api/shop/Customer/_bulk", []map[string]any{{"name": "a"}, {"name": "b"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode[[]map[string]any](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0]["id"])
	assert.Equal(t, "b", got[1]["name"])

	// одна плохая запись — ничего не пишется
	w = do(h, http.MethodPost, "/api/shop/Customer/_bulk", []map[string]any{{"name": "a"}, {"email": "x"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"index":1`)

	w = do(h, http.MethodPost, "/api/shop/Customer/_bulk", []map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT COUNT(*) FROM shop.invoices WHERE status = $1 AND total >= $2").
		WithArgs("paid", 10.0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE status = $1 AND total >= $2 ORDER BY id DESC LIMIT 5 OFFSET 10").
		WithArgs("paid", 10.0).
		WillReturnRows(sqlmock.NewRows(invoiceCols).
			AddRow(int64(9), "A-9", "paid", 30.0, int64(3), nil, nil).
			AddRow(int64(8), "A-8", "paid", 12.0, nil, nil, nil))
	mock.ExpectQuery("SELECT * FROM shop.customers WHERE id = ANY($1)").
		WithArgs([]any{int64(3)}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).AddRow(int64(3), "ann", nil))

	w := do(h, http.MethodGet, "/api/shop/Invoice?total__gte=10&status=paid&_limit=5&_offset=10&_prefetch=customer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "12", w.Header().Get("X-Total-Count"))

	got := decode[[]map[string]any](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "A-9", got[0]["number"])
	assert.Equal(t, map[string]any{"id": float64(3), "name": "ann", "email": nil}, got[0]["customer"])
	v, ok := got[1]["customer"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestListHandler_BadQuery(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, q := range []string{"nope=1", "total__gte=abc", "total__like=1", "card=1"} {
		w := do(h, http.MethodGet, "/api/shop/Invoice?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestCountHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT COUNT(*) FROM shop.invoices WHERE customer_id = ANY($1)").
		WithArgs([]any{int64(3), int64(4)}).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	w := do(h, http.MethodGet, "/api/shop/Invoice/_count?customer=in:3,4", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"total":5}`, w.Body.String())
}

func TestGetOneHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(invoiceCols).AddRow(int64(1), "A-1", "new", 5.0, nil, "2024-03-01", nil))
	w := do(h, http.MethodGet, "/api/shop/Invoice/1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, "A-1", got["number"])
	assert.Equal(t, "2024-03-01T00:00:00Z", got["issued"])

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(invoiceCols))
	w = do(h, http.MethodGet, "/api/shop/Invoice/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodGet, "/api/shop/Invoice/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/api/shop/Nope/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOneHandler_PrefetchOneToOne(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT * FROM shop.customers WHERE id = $1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).AddRow(int64(3), "ann", nil))
	mock.ExpectQuery("SELECT * FROM shop.cards WHERE holder_id = ANY($1)").
		WithArgs([]any{int64(3)}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "holder_id", "number"}).AddRow(int64(40), int64(3), "4242"))

	w := do(h, http.MethodGet, "/api/shop/Customer/3?_prefetch=card", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, map[string]any{"id": float64(40), "holder_id": float64(3), "number": "4242"}, got["card"])

	mock.ExpectQuery("SELECT * FROM shop.customers WHERE id = $1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).AddRow(int64(3), "ann", nil))
	w = do(h, http.MethodGet, "/api/shop/Customer/3?_prefetch=orders", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "incorrect relations: orders")
}

func TestUpdatePartialHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(invoiceCols).AddRow(int64(1), "A-1", "new", 5.0, nil, nil, nil))
	mock.ExpectExec("UPDATE shop.invoices SET status = $2 WHERE id = $1").
		WithArgs(int64(1), "paid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := do(h, http.MethodPatch, "/api/shop/Invoice/1", map[string]any{"status": "paid"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[map[string]any](t, w)
	assert.Equal(t, "paid", got["status"])
	assert.Equal(t, "A-1", got["number"])

	w = do(h, http.MethodPatch, "/api/shop/Invoice/1", map[string]any{"id": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPatch, "/api/shop/Invoice/1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(invoiceCols))
	w = do(h, http.MethodPatch, "/api/shop/Invoice/5", map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteHandler(t *testing.T) {
	_, mock, h := newTestServer(t)

	mock.ExpectExec("DELETE FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	w := do(h, http.MethodDelete, "/api/shop/Invoice/1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	mock.ExpectExec("DELETE FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	w = do(h, http.MethodDelete, "/api/shop/Invoice/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFileUploadAndDownload(t *testing.T) {
	s, mock, h := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "scan.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(invoiceCols).AddRow(int64(1), "A-1", "new", 5.0, nil, nil, nil))
	mock.ExpectExec("UPDATE shop.invoices SET scan = $2 WHERE id = $1").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/shop/Invoice/1/_file/scan", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got := decode[map[string]any](t, w)
	key, _ := got["storage_key"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, "scan.pdf", filepath.Base(key))
	assert.Equal(t, float64(8), got["size"])
	assert.Equal(t, key, got["record"].(map[string]any)["scan"])

	root := s.Blob.(*LocalBlobStore).Root
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	mock.ExpectQuery("SELECT * FROM shop.invoices WHERE id = $1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(invoiceCols).AddRow(int64(1), "A-1", "new", 5.0, nil, nil, key))
	w = do(h, http.MethodGet, "/api/shop/Invoice/1/_file/scan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "scan.pdf")

	w = do(h, http.MethodGet, "/api/shop/Invoice/1/_file/number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
