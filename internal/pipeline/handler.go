package pipeline

import (
	"context"
	"fmt"

	"dream_pipeline/internal/domain"
)

// Handler runs one pipeline stage for a claimed job.
type Handler interface {
	Type() domain.JobType
	Handle(ctx context.Context, job *domain.Job) error
}

// Registry maps each job type to the handler that processes it.
type Registry map[domain.JobType]Handler

func NewRegistry(handlers ...Handler) Registry {
	r := make(Registry, len(handlers))
	for _, h := range handlers {
		r[h.Type()] = h
	}
	return r
}

func (r Registry) Get(jobType domain.JobType) (Handler, error) {
	h, ok := r[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s jobs", jobType)
	}
	return h, nil
}

// Types returns the registered job types in pipeline order.
func (r Registry) Types() []domain.JobType {
	var types []domain.JobType
	for _, t := range domain.JobTypes {
		if _, ok := r[t]; ok {
			types = append(types, t)
		}
	}
	return types
}
