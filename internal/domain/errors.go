package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора терминала.
	ErrTerminalIDRequired = errors.New("terminal_id is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.New("product_id is required")
	// ErrProductNotFound возвращается базой остатков, если товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrStockQtyInvalid: количество для списания/возврата должно быть положительным.
	ErrStockQtyInvalid = errors.New("stock qty must be greater than zero")
	// ErrStoreTransient: временная ошибка хранилища снимков, операцию можно повторить.
	ErrStoreTransient = errors.New("snapshot store temporary error")
	// ErrStoreCorrupt: документ снимков не удалось разобрать.
	ErrStoreCorrupt = errors.New("snapshot store document is corrupt")
	// ErrSettingsUnavailable: настройки не удалось прочитать.
	ErrSettingsUnavailable = errors.New("settings unavailable")
	// ErrCartEmpty: нечего проводить.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrReservedField: попытка записать служебное поле снимка как поле сессии.
	ErrReservedField = errors.New("session field name is reserved")
)

// IsTransient проверяет, стоит ли повторять операцию с хранилищем.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreTransient) || errors.Is(err, ErrStoreCorrupt)
}
