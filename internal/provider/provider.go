package provider

import (
	"context"

	"marketgate/models"
)

// Provider is the contract every upstream adapter satisfies. The gateway
// core depends only on this interface; the concrete adapters in this
// package are reference implementations.
//
// Fetch must honour ctx cancellation and deadlines. Connect is called once
// before a source is registered and Disconnect once on shutdown.
type Provider interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error)
	HealthCheck(ctx context.Context) models.HealthStatus
}
