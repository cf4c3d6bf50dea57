package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"korm/internal/meta"
	"korm/internal/orm"
	"korm/internal/pg"
)

// Server — HTTP-слой над orm. Движок живёт один запрос: соединение берётся
// из пула и возвращается после ответа.
type Server struct {
	DB     *sql.DB
	Driver string
	Reg    *meta.Registry
	Hooks  orm.Hooks
	Blob   BlobStore
	Log    *slog.Logger
	Slow   time.Duration
}

var errNotFound = errors.New("record not found")

// validationError — ошибки разбора тела запроса по полям.
type validationError struct {
	Errs []FieldError
}

func (v *validationError) Error() string {
	msgs := make([]string, 0, len(v.Errs))
	for _, e := range v.Errs {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// withEngine выполняет fn с движком на выделенном соединении.
func (s *Server) withEngine(ctx context.Context, fn func(e *orm.Engine) error) error {
	conn, err := pg.Acquire(ctx, s.DB, s.Driver)
	if err != nil {
		return err
	}
	defer conn.Close()

	e, err := orm.New(conn, s.Reg,
		orm.WithLogger(s.logger()),
		orm.WithHooks(s.Hooks),
		orm.WithSlowThreshold(s.Slow),
	)
	if err != nil {
		return err
	}
	return fn(e)
}

// entity разрешает :module/:entity через реестр (без учёта регистра).
func (s *Server) entity(c *gin.Context) (*meta.EntityType, error) {
	mod := strings.TrimSpace(c.Param("module"))
	ent := strings.TrimSpace(c.Param("entity"))
	if ent == "" {
		return nil, meta.ErrUnknownEntity
	}
	if mod == "" {
		return s.Reg.Lookup(ent)
	}
	return s.Reg.Lookup(mod + "." + ent)
}

// statusFor: ошибки использования — 400, неизвестная сущность и пустой
// результат — 404, нарушение unique/FK — 409, остальное — 500.
func statusFor(err error) int {
	var (
		vErr  *validationError
		pgErr *pgconn.PgError
		pqErr *pq.Error
	)
	switch {
	case errors.As(err, &vErr):
		return statusForErrors(vErr.Errs)
	case errors.Is(err, errNotFound), errors.Is(err, meta.ErrUnknownEntity):
		return http.StatusNotFound
	case orm.IsUsage(err):
		return http.StatusBadRequest
	case errors.As(err, &pgErr):
		return statusForCode(pgErr.Code)
	case errors.As(err, &pqErr):
		return statusForCode(string(pqErr.Code))
	}
	return http.StatusInternalServerError
}

func statusForCode(code string) int {
	switch code {
	case "23505", "23503": // unique_violation, foreign_key_violation
		return http.StatusConflict
	case "23502", "22P02": // not_null_violation, invalid_text_representation
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func statusForErrors(errs []FieldError) int {
	for _, e := range errs {
		if e.Code == ErrUniqueViolation || e.Code == ErrRefNotFound {
			return http.StatusConflict
		}
	}
	return http.StatusBadRequest
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	var vErr *validationError
	if errors.As(err, &vErr) {
		c.JSON(status, gin.H{"errors": vErr.Errs})
		return
	}
	if status == http.StatusInternalServerError {
		s.logger().ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	msg := "Bad request"
	switch status {
	case http.StatusNotFound:
		msg = "Not found"
	case http.StatusConflict:
		msg = "Conflict"
	}
	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}
