package sequence

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,EventPublisher

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines sequence record persistence.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, sequenceID uuid.UUID) (*Record, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]*Record, error)
	Update(ctx context.Context, r *Record) error
}

// EventPublisher fans progress events out to subscribers.
type EventPublisher interface {
	Publish(event *Event)
}
