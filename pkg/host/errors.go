package host

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrTableExists  = errors.New("table already exists")
	ErrUnknownQuery = errors.New("unknown query")
	ErrStaleVersion = errors.New("stale transaction version")
	ErrInvalidOp    = errors.New("invalid change operation")
)

type ErrTransaction = error

func NewTransactionError(version int64, err error) ErrTransaction {
	return fmt.Errorf("failed to apply transaction %d: %w", version, err)
}

type ErrRegister = error

func NewRegisterError(err error) ErrRegister {
	return fmt.Errorf("failed to register query: %w", err)
}
