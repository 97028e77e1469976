package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/kredit/internal/cache"
	"github.com/smallbiznis/kredit/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Repo          domain.Repository
	ResolverCache cache.CostResolverCache `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	repo          domain.Repository
	resolverCache cache.CostResolverCache
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("registry.service"),
		repo:          p.Repo,
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) Resolve(ctx context.Context, actionKey string) (*domain.ActionCostDefinition, error) {
	key := strings.ToLower(strings.TrimSpace(actionKey))
	if key == "" {
		return nil, domain.ErrInvalidKey
	}

	if s.resolverCache != nil {
		if cached, ok := s.resolverCache.GetDefinition(key); ok {
			return cached, nil
		}
	}

	def, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if def == nil {
		// Legacy alias keys resolve to a canonical definition.
		alias, err := s.repo.FindAlias(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if alias != nil {
			def, err = s.repo.FindByKey(ctx, s.db, alias.CanonicalKey)
			if err != nil {
				return nil, err
			}
			if def == nil {
				s.log.Error("alias points at missing definition",
					zap.String("alias", key),
					zap.String("canonical_key", alias.CanonicalKey),
				)
			}
		}
	}
	if def == nil {
		// Fail closed: a missing registry entry is a defect, never "free".
		s.log.Error("unknown action key refused", zap.String("action_key", key))
		return nil, domain.ErrUnknownAction
	}

	if s.resolverCache != nil {
		s.resolverCache.SetDefinition(key, def)
	}
	return def, nil
}

func (s *Service) IsFree(ctx context.Context, actionKey string) (bool, error) {
	def, err := s.Resolve(ctx, actionKey)
	if err != nil {
		return false, err
	}
	return def.IsFree(), nil
}

func (s *Service) Category(ctx context.Context, actionKey string) (domain.Category, error) {
	def, err := s.Resolve(ctx, actionKey)
	if err != nil {
		return "", err
	}
	return def.Category, nil
}

func (s *Service) List(ctx context.Context) ([]domain.ActionCostDefinition, error) {
	return s.repo.List(ctx, s.db)
}
