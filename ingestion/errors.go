package ingestion

import "errors"

var (
	// ErrStoreRequired is returned when a vector store is not provided.
	ErrStoreRequired = errors.New("vector store required")

	// ErrJobRepositoryRequired is returned when a job repository is not provided.
	ErrJobRepositoryRequired = errors.New("job repository required")

	// ErrRegistryRequired is returned when a provider registry is not provided.
	ErrRegistryRequired = errors.New("provider registry required")

	// ErrProcessorRequired is returned when a document processor is not provided.
	ErrProcessorRequired = errors.New("document processor required")

	// ErrGeneratorRequired is returned when an embedding generator is not provided.
	ErrGeneratorRequired = errors.New("embedding generator required")

	// ErrJobTerminal is returned when a finished job is asked to change.
	ErrJobTerminal = errors.New("job already finished")

	// ErrInvalidMaxAttempts is returned when maxAttempts <= 0.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrOrchestratorClosed is returned by Start after Close.
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)
