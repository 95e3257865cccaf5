package repository

import "errors"

// Repository errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrLockTimeout блокировка строки не получена за отведенное время
	ErrLockTimeout = errors.New("row lock timeout")
)
