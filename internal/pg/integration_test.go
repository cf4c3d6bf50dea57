//go:build integration

package pg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"korm/internal/orm"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pgC, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("korm"),
		postgres.WithUsername("korm"),
		postgres.WithPassword("korm"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgC) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestIntegration_RoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	reg := testRegistry(t)

	for _, driver := range []string{DriverPgx, DriverPq} {
		t.Run(driver, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			db, err := Open(driver, dsn, 4)
			require.NoError(t, err)
			defer db.Close()

			ddl, err := GenerateDDL(reg)
			require.NoError(t, err)
			require.NoError(t, ApplyDDL(ctx, db, ddl, nil))
			// второй прогон ничего не ломает
			require.NoError(t, ApplyDDL(ctx, db, ddl, nil))

			conn, err := Acquire(ctx, db, driver)
			require.NoError(t, err)
			defer conn.Close()
			e, err := orm.New(conn, reg)
			require.NoError(t, err)

			_, err = e.Exec(ctx, "TRUNCATE {Tag}, {Post}, {User} RESTART IDENTITY CASCADE")
			require.NoError(t, err)

			users := make([]*orm.Instance, 3)
			for i, name := range []string{"ann", "bob", "cid"} {
				users[i], err = e.New("User", map[string]any{"name": name})
				require.NoError(t, err)
			}
			_, err = e.SaveAll(ctx, users)
			require.NoError(t, err)
			assert.Equal(t, int64(1), users[0].PK())
			assert.Equal(t, int64(3), users[2].PK())
			assert.False(t, users[0].Get("created_at").(time.Time).IsZero())

			var posts []*orm.Instance
			for i := 0; i < 5; i++ {
				author := users[i%2]
				p, err := e.New("Post", map[string]any{
					"title":  "post " + string(rune('a'+i)),
					"author": author,
					"meta":   map[string]any{"n": i},
				})
				require.NoError(t, err)
				posts = append(posts, p)
			}
			_, err = e.SaveAll(ctx, posts)
			require.NoError(t, err)

			got, err := e.GetList(ctx, "Post", orm.Q("author__in", []int64{1, 2}))
			require.NoError(t, err)
			require.Len(t, got, 5)
			require.NoError(t, e.Prefetch(ctx, got, "author"))
			for _, p := range got {
				a, ok := p.Related("author")
				require.True(t, ok)
				require.NotNil(t, a)
				assert.Equal(t, p.Get("author_id"), a.PK())
			}

			one, err := e.Get(ctx, "Post", orm.Q("title", "post c"))
			require.NoError(t, err)
			require.NotNil(t, one)
			assert.Equal(t, map[string]any{"n": float64(2)}, one.Get("meta"))

			require.NoError(t, e.Update(ctx, one, orm.Set{"author": nil}))
			n, err := e.Count(ctx, "Post", orm.Q("author__isnull", true))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			deleted, err := e.DeleteWhere(ctx, "Post", orm.Q("author", int64(2)))
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			missing, err := e.Get(ctx, "Post", orm.Q("id", int64(999)))
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}
