package pipeline

import (
	"fmt"
)

type ErrQuery = error

func NewQueryError(err error) ErrQuery {
	return fmt.Errorf("invalid query: %w", err)
}

type ErrPipeline = error

func NewPipelineError(err error) ErrPipeline {
	return fmt.Errorf("failed to build pipeline: %w", err)
}
