package host

import (
	"fmt"

	"github.com/l7mp/ivm/pkg/ivm"
)

// TableSpec describes a replicated table.
type TableSpec struct {
	Name       string                    `json:"name"`
	Columns    map[string]ivm.ColumnType `json:"columns"`
	PrimaryKey ivm.PrimaryKey            `json:"primaryKey"`
}

// ChangeOp is the kind of a row change.
type ChangeOp string

const (
	OpAdd    ChangeOp = "add"
	OpRemove ChangeOp = "remove"
	OpEdit   ChangeOp = "edit"
)

// RowChange is a change of a single row of a table.
type RowChange struct {
	Table string   `json:"table"`
	Op    ChangeOp `json:"op"`
	Row   ivm.Row  `json:"row"`

	// OldRow is the row before an edit.
	OldRow ivm.Row `json:"oldRow,omitempty"`
}

// Change converts a row change to the change pushed into the source of its table.
func (c RowChange) Change() (ivm.Change, error) {
	if c.Row == nil {
		return nil, fmt.Errorf("%w: %s on %q without a row", ErrInvalidOp, c.Op, c.Table)
	}
	switch c.Op {
	case OpAdd:
		return ivm.Add(c.Row), nil
	case OpRemove:
		return ivm.Remove(c.Row), nil
	case OpEdit:
		if c.OldRow == nil {
			return nil, fmt.Errorf("%w: edit on %q without the old row", ErrInvalidOp, c.Table)
		}
		return ivm.Edit(c.OldRow, c.Row), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidOp, c.Op)
}

// Transaction is a batch of row changes that moves the host to a new version.
type Transaction struct {
	Version int64       `json:"version"`
	Changes []RowChange `json:"changes"`
}
