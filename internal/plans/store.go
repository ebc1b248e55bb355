package plans

import "context"

// Store persists catalog plans.
type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	GetByCode(ctx context.Context, code string) (*Plan, error)
	List(ctx context.Context, activeOnly bool) ([]*Plan, error)
	Update(ctx context.Context, p *Plan) error
}
