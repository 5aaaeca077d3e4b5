package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/service"
	"pursuit-sync/internal/timer"
	"pursuit-sync/pkg/response"
)

// Replica is the slice of the replica service the HTTP surface drives.
type Replica interface {
	Apply(ctx context.Context, m service.Mutation) (domain.Library, error)
	State(ctx context.Context) (domain.Library, error)
	Status(ctx context.Context) (service.SyncStatus, error)
	Join(ctx context.Context, libraryID string) error
	Leave(ctx context.Context) error
	SyncNow(ctx context.Context) error
	MarkMessagesRead(ctx context.Context) error
	StartTimer(ctx context.Context, label string, minutes int) (*domain.ActiveTimer, error)
	StopTimer(ctx context.Context) (*domain.ActiveTimer, error)
	DismissAlarm(ctx context.Context) error
	Diagram(ctx context.Context, gameID string) (string, error)
}

var _ Replica = (*service.ReplicaService)(nil)

// writeError maps replica errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *service.NotFoundError
		validation validator.ValidationErrors
		transport  *domain.TransportError
	)
	switch {
	case errors.As(err, &notFound):
		response.NotFound(w, err.Error())
	case errors.As(err, &validation), errors.Is(err, service.ErrInvalidInput):
		response.BadRequest(w, err.Error())
	case errors.Is(err, service.ErrDuplicateID), errors.Is(err, timer.ErrTimerRunning):
		response.Conflict(w, err.Error())
	case errors.Is(err, timer.ErrNoTimer), errors.Is(err, service.ErrNotJoined):
		response.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrReplicaStopped):
		response.Unavailable(w, err.Error())
	case errors.As(err, &transport), errors.Is(err, service.ErrSyncAbandoned):
		response.BadGateway(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		response.Error(w, http.StatusGatewayTimeout, err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}
