package domain

import "context"

// Service resolves action keys (including legacy aliases) to their cost
// definition. Unknown keys are a hard error, never a zero-cost default.
type Service interface {
	Resolve(ctx context.Context, actionKey string) (*ActionCostDefinition, error)
	IsFree(ctx context.Context, actionKey string) (bool, error)
	Category(ctx context.Context, actionKey string) (Category, error)
	List(ctx context.Context) ([]ActionCostDefinition, error)
}
