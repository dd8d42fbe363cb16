package service

import (
	"context"

	"thrilha/auth"
	"thrilha/domain"
)

// BillingSummary describes the caller's plan and usage.
type BillingSummary struct {
	Plan         domain.Plan          `json:"plan"`
	Limits       domain.PlanLimits    `json:"limits"`
	Usage        Usage                `json:"usage"`
	Subscription *domain.Subscription `json:"subscription"`
}

type Usage struct {
	Boards int `json:"boards"`
}

func (s *Service) BillingSummary(ctx context.Context, userID string) (BillingSummary, error) {
	sub, err := s.plans.Subscription(ctx, userID)
	if err != nil {
		return BillingSummary{}, err
	}
	plan := domain.ResolvePlan(sub, s.now())
	owned, err := s.store.CountOwnedBoards(ctx, userID)
	if err != nil {
		return BillingSummary{}, err
	}
	return BillingSummary{Plan: plan, Limits: s.limits.Limits(plan), Usage: Usage{Boards: owned}, Subscription: sub}, nil
}

// Checkout returns the hosted checkout URL for upgrading to pro.
func (s *Service) Checkout(ctx context.Context, id auth.Identity) (string, error) {
	if s.payments == nil {
		return "", ErrUnavailable
	}
	sub, err := s.plans.Subscription(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	email := id.Email
	if email == "" {
		if p, err := s.store.GetProfile(ctx, id.UserID); err == nil {
			email = p.Email
		}
	}
	return s.payments.Checkout(ctx, id.UserID, email, sub)
}

// Portal returns the billing portal URL for users with a customer record.
func (s *Service) Portal(ctx context.Context, userID string) (string, error) {
	if s.payments == nil {
		return "", ErrUnavailable
	}
	sub, err := s.plans.Subscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil || sub.CustomerID == "" {
		return "", domain.ErrNotFound
	}
	return s.payments.Portal(ctx, sub.CustomerID)
}
