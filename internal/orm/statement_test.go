package orm

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements_Golden(t *testing.T) {
	c := newTestCompiler(t)
	post := mustType(t, "blog.Post")
	user := mustType(t, "blog.User")

	var buf bytes.Buffer
	add := func(name string, st Stmt, err error) {
		require.NoError(t, err, name)
		fmt.Fprintf(&buf, "-- %s\n%s\n%s\n\n", name, st.SQL, argsValue(st.Args).LogValue().String())
	}

	st, err := c.insertStmt([]*Instance{
		NewInstance(post, map[string]any{"title": "hello", "author_id": 7, "meta": map[string]any{"a": 1}}),
	})
	add("insert_one", st, err)

	st, err = c.insertStmt([]*Instance{
		NewInstance(post, map[string]any{"title": "a"}),
		NewInstance(post, map[string]any{"title": "b", "author_id": 3}),
	})
	add("insert_many", st, err)

	st, err = c.updateStmt(NewInstance(post, map[string]any{"id": 5, "title": "old"}), Set{"title": "x"})
	add("update_partial", st, err)

	st, err = c.selectStmt(user, Where{Eq("name", "bob"), IsNull("email", false)}, true, Page{Limit: 10, Offset: 20})
	add("select_list", st, err)

	st, err = c.selectStmt(post, Where{In("author", []int{3, 1, 2})}, true, Page{})
	add("select_in", st, err)

	st, err = c.countStmt(post, Q("title__gt", "m"))
	add("count", st, err)

	st, err = c.deleteStmt(post, Where{Eq("id", 5)})
	add("delete", st, err)

	sql, err := c.normSQL(`
		SELECT p.*
		  FROM {blog.Post} p
		  JOIN {User} u ON u.id = p.author_id
		 WHERE u.name = $1`)
	add("raw", Stmt{SQL: sql}, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "statements", buf.Bytes())
}

func TestInsert_KeyedInstanceRejected(t *testing.T) {
	c := newTestCompiler(t)
	post := mustType(t, "blog.Post")

	_, err := c.insertStmt([]*Instance{
		NewInstance(post, map[string]any{"title": "a"}),
		NewInstance(post, map[string]any{"id": 9, "title": "b"}),
	})
	require.ErrorIs(t, err, ErrUsage)
}

func TestInsert_MixedTypesRejected(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.insertStmt([]*Instance{
		NewInstance(mustType(t, "blog.Post"), nil),
		NewInstance(mustType(t, "blog.User"), nil),
	})
	require.ErrorIs(t, err, ErrUsage)

	_, err = c.insertStmt(nil)
	require.ErrorIs(t, err, ErrUsage)
}

func TestInsert_MarshalsAndStamps(t *testing.T) {
	c := newTestCompiler(t)
	user := mustType(t, "blog.User")
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	token := uuid.MustParse("6f1c1f5e-8d39-4c1b-9a53-0b1d39b7a001")

	u := NewInstance(user, map[string]any{
		"name":       "ann",
		"profile":    map[string]any{"tags": []string{"<a>"}},
		"avatar":     FileRef{Path: "avatars/ann.png"},
		"token":      token,
		"created_at": created,
	})
	st, err := c.insertStmt([]*Instance{u})
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO blog.users (name, email, profile, avatar, token, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		st.SQL)
	assert.Equal(t, []any{
		"ann",
		nil,
		`{"tags":["<a>"]}`,
		"avatars/ann.png",
		"6f1c1f5e-8d39-4c1b-9a53-0b1d39b7a001",
		created,
		fixedNow,
	}, st.Args)

	// auto_now_add не трогает заданное значение, auto_now пишется в запись
	assert.Equal(t, created, u.Get("created_at"))
	assert.Equal(t, fixedNow, u.Get("updated_at"))
}

func TestInsert_AutoNowAddStampsEmpty(t *testing.T) {
	c := newTestCompiler(t)
	u := NewInstance(mustType(t, "blog.User"), map[string]any{"name": "bob"})

	_, err := c.insertStmt([]*Instance{u})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, u.Get("created_at"))
}

func TestUpdate_FullWritesAllColumns(t *testing.T) {
	c := newTestCompiler(t)
	p := NewInstance(mustType(t, "blog.Post"), map[string]any{"id": 3, "title": "t", "author_id": 1})

	st, err := c.updateStmt(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE blog.posts SET title = $2, author_id = $3, meta = $4 WHERE id = $1", st.SQL)
	assert.Equal(t, []any{3, "t", 1, nil}, st.Args)
}

func TestUpdate_RelationByName(t *testing.T) {
	c := newTestCompiler(t)
	author := NewInstance(mustType(t, "blog.User"), map[string]any{"id": int64(42), "name": "ann"})
	p := NewInstance(mustType(t, "blog.Post"), map[string]any{"id": 3, "title": "t"})

	st, err := c.updateStmt(p, Set{"author": author})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE blog.posts SET author_id = $2 WHERE id = $1", st.SQL)
	assert.Equal(t, []any{3, int64(42)}, st.Args)
	assert.Equal(t, int64(42), p.Get("author_id"))
	rel, ok := p.Related("author")
	require.True(t, ok)
	assert.Same(t, author, rel)

	st, err = c.updateStmt(p, Set{"author": nil})
	require.NoError(t, err)
	assert.Equal(t, []any{3, nil}, st.Args)
	rel, ok = p.Related("author")
	assert.True(t, ok)
	assert.Nil(t, rel)
}

func TestUpdate_RelationKeyDropsAttached(t *testing.T) {
	c := newTestCompiler(t)
	ann := NewInstance(mustType(t, "blog.User"), map[string]any{"id": int64(10), "name": "ann"})
	p := NewInstance(mustType(t, "blog.Post"), map[string]any{"id": 3, "title": "t"})
	p.Set("author", ann)
	require.True(t, p.HasPrefetched("author"))

	st, err := c.updateStmt(p, Set{"author_id": int64(12)})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE blog.posts SET author_id = $2 WHERE id = $1", st.SQL)
	assert.Equal(t, int64(12), p.Get("author_id"))
	_, ok := p.Related("author")
	assert.False(t, ok)

	// запись обычного поля не трогает связь
	p.Set("author", ann)
	_, err = c.updateStmt(p, Set{"title": "x"})
	require.NoError(t, err)
	rel, ok := p.Related("author")
	require.True(t, ok)
	assert.Same(t, ann, rel)
}

func TestUpdate_UnresolvedFieldFailsBeforeChanges(t *testing.T) {
	c := newTestCompiler(t)
	p := NewInstance(mustType(t, "blog.Post"), map[string]any{"id": 3, "title": "old"})

	testCases := []struct {
		name string
		set  Set
	}{
		{"unknown name", Set{"title": "new", "nope": 1}},
		{"same column twice", Set{"author": nil, "author_id": 1}},
		{"primary key", Set{"title": "new", "id": 4}},
		{"relation expects instance", Set{"author": 5}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.updateStmt(p, tc.set)
			require.ErrorIs(t, err, ErrUsage)
			assert.Equal(t, "old", p.Get("title"))
			assert.Nil(t, p.Get("author_id"))
			assert.False(t, p.HasPrefetched("author"))
		})
	}
}

func TestNormSQL_UnknownPlaceholder(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.normSQL("SELECT * FROM {blog.Missing}")
	require.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), "blog.Missing")
}
