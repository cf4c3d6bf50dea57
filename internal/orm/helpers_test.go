package orm

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"korm/internal/dsl"
	"korm/internal/meta"
)

const blogDSL = `
module blog

entity User:
  options: ordering=-created_at,name
  name: string required
  email: string unique
  profile: json
  avatar: file
  token: uuid
  created_at: datetime auto_now_add
  updated_at: datetime auto_now
  account: one[Account.owner]

entity Account:
  owner: ref[User]
  balance: money

entity Post:
  title: string
  author: ref[User] on_delete=set_null
  meta: json
`

var (
	regOnce sync.Once
	testReg *meta.Registry
)

func registryFrom(t *testing.T, src string) *meta.Registry {
	t.Helper()
	ents, err := dsl.ParseEntities(strings.NewReader(src))
	require.NoError(t, err)
	m := make(map[string]*dsl.Entity, len(ents))
	for _, e := range ents {
		m[e.FQN()] = e
	}
	reg, err := meta.NewRegistry(m)
	require.NoError(t, err)
	return reg
}

func blogRegistry(t *testing.T) *meta.Registry {
	t.Helper()
	regOnce.Do(func() {
		ents, err := dsl.ParseEntities(strings.NewReader(blogDSL))
		require.NoError(t, err)
		m := make(map[string]*dsl.Entity, len(ents))
		for _, e := range ents {
			m[e.FQN()] = e
		}
		testReg, err = meta.NewRegistry(m)
		require.NoError(t, err)
	})
	require.NotNil(t, testReg)
	return testReg
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	method string
	sql    string
	args   []any
}

// fakeExec записывает вызовы. INSERT получает ключи по порядку начиная с
// nextID+1, остальные запросы отдают подготовленные ответы.
type fakeExec struct {
	calls []call

	nextID   int64
	val      any
	row      map[string]any
	results  [][]map[string]any
	affected int64
	err      error
}

func (f *fakeExec) record(method, sql string, args []any) {
	f.calls = append(f.calls, call{method: method, sql: sql, args: args})
}

func (f *fakeExec) FetchVal(_ context.Context, sql string, args ...any) (any, error) {
	f.record("FetchVal", sql, args)
	if f.err != nil {
		return nil, f.err
	}
	if strings.HasPrefix(sql, "INSERT") {
		f.nextID++
		return f.nextID, nil
	}
	return f.val, nil
}

func (f *fakeExec) FetchRow(_ context.Context, sql string, args ...any) (map[string]any, error) {
	f.record("FetchRow", sql, args)
	if f.err != nil {
		return nil, f.err
	}
	return f.row, nil
}

func (f *fakeExec) Fetch(_ context.Context, sql string, args ...any) ([]map[string]any, error) {
	f.record("Fetch", sql, args)
	if f.err != nil {
		return nil, f.err
	}
	if strings.HasPrefix(sql, "INSERT") {
		n := strings.Count(sql, "($")
		out := make([]map[string]any, n)
		for i := range out {
			f.nextID++
			out[i] = map[string]any{"id": f.nextID}
		}
		return out, nil
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeExec) Execute(_ context.Context, sql string, args ...any) (int64, error) {
	f.record("Execute", sql, args)
	if f.err != nil {
		return 0, f.err
	}
	return f.affected, nil
}

func newTestEngine(t *testing.T, exec *fakeExec, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := New(exec, blogRegistry(t), opts...)
	require.NoError(t, err)
	return e
}

func newTestCompiler(t *testing.T) *compiler {
	return &compiler{reg: blogRegistry(t), now: func() time.Time { return fixedNow }}
}

func mustType(t *testing.T, name string) *meta.EntityType {
	t.Helper()
	et, err := blogRegistry(t).Lookup(name)
	require.NoError(t, err)
	return et
}

func bufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}
