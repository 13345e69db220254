package breaker

import (
	"context"

	"marketgate/models"
)

// Nop always admits calls. Used when circuit breaking is disabled.
type Nop struct{}

func (Nop) ForSource(string) Breaker { return nopBreaker{} }

type nopBreaker struct{}

func (nopBreaker) CanExecute() bool { return true }

func (nopBreaker) Execute(ctx context.Context, req *models.DataRequest, fn FetchFunc) (*models.DataResponse, error) {
	return fn(ctx, req)
}
