package replica

import "fmt"

type ErrReplica = error

func NewReplicaError(err error) ErrReplica {
	return fmt.Errorf("failed to read replica: %w", err)
}
