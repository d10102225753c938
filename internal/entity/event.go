package entity

import "context"

// Publisher declares the jetstream streams it writes into.
type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

// Subscriber attaches its jetstream consumers.
type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}

// Runner owns a background loop that ends with ctx.
type Runner interface {
	Run(ctx context.Context)
}
