package orm

import (
	"errors"
	"fmt"
)

// ErrUsage — вызывающий нарушил предусловие: ключ у новой записи, неизвестное
// поле, кривой суффикс оператора, смешанные типы в пачке. Возвращается до
// компиляции и выполнения запроса.
var ErrUsage = errors.New("orm: usage error")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// IsUsage сообщает, является ли err ошибкой использования.
func IsUsage(err error) bool { return errors.Is(err, ErrUsage) }
