package orm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Executor — соединение с БД. Одно соединение обслуживает один запрос за раз;
// сериализация — забота вызывающего.
type Executor interface {
	// FetchVal возвращает первую колонку первой строки, nil если строк нет.
	FetchVal(ctx context.Context, sql string, args ...any) (any, error)
	// FetchRow возвращает первую строку, nil если строк нет.
	FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error)
	// Fetch возвращает все строки.
	Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	// Execute выполняет запрос без результата и возвращает число затронутых строк.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)
}

// Stats — счётчики движка.
type Stats struct {
	Queries  int64
	Errors   int64
	Slow     int64
	Duration time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("queries=%d errors=%d slow=%d duration=%s", s.Queries, s.Errors, s.Slow, s.Duration)
}

// run выполняет call с замером времени, номером запроса и логированием.
// Ошибка драйвера возвращается без изменений.
func run[T any](ctx context.Context, e *Engine, op string, st Stmt, call func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	n := e.n.Add(1)
	res, err := call(ctx)
	elapsed := time.Since(start)
	e.duration.Add(int64(elapsed))

	attrs := []any{
		slog.Int64("n", n),
		slog.String("elapsed", formatElapsed(elapsed)),
		slog.String("sql", st.SQL),
		slog.Any("args", argsValue(st.Args)),
	}
	if err != nil {
		e.errors.Add(1)
		e.log.ErrorContext(ctx, op, append(attrs, callerAttr(), slog.Any("error", err))...)
		return res, err
	}
	if e.slow > 0 && elapsed > e.slow {
		e.slowCount.Add(1)
		e.log.WarnContext(ctx, op+": slow query", append(attrs, callerAttr())...)
	}
	if e.log.Enabled(ctx, slog.LevelDebug) {
		e.log.DebugContext(ctx, op, append(attrs, callerAttr())...)
	}
	return res, nil
}

var ormPkg = func() string {
	pc, _, _, _ := runtime.Caller(0)
	return pkgOf(runtime.FuncForPC(pc).Name())
}()

// callerAttr — первая строка стека за пределами пакета orm: file.go:42.
func callerAttr() slog.Attr {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if pkgOf(fr.Function) != ormPkg {
			return slog.String("caller", fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line))
		}
		if !more {
			return slog.String("caller", "")
		}
	}
}

// pkgOf: "korm/internal/orm.(*Engine).Get" -> "korm/internal/orm".
func pkgOf(fn string) string {
	if i := strings.IndexByte(fn, '['); i >= 0 {
		fn = fn[:i]
	}
	slash := strings.LastIndexByte(fn, '/')
	if dot := strings.IndexByte(fn[slash+1:], '.'); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return fn
}

// formatElapsed: 2 m, 1.5 s, 25 ms, 3.2 ms, 0.120 ms.
func formatElapsed(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	switch {
	case ms > 60*1000:
		return fmt.Sprintf("%d m", int64(ms/1000/60))
	case ms > 1000:
		return fmt.Sprintf("%.01f s", ms/1000)
	case ms > 10:
		return fmt.Sprintf("%d ms", int64(ms))
	case ms > 1:
		return fmt.Sprintf("%.01f ms", ms)
	default:
		return fmt.Sprintf("%.03f ms", ms)
	}
}

// argsValue откладывает форматирование параметров до записи в лог.
type argsValue []any

func (a argsValue) LogValue() slog.Value {
	if len(a) == 0 {
		return slog.StringValue("")
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %#v", i+1, v)
	}
	sb.WriteByte('}')
	return slog.StringValue(sb.String())
}
