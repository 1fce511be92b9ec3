// Package store persists rules, scan jobs and watch sessions.
package store

import (
	"context"

	"leakwatch/model"
	"leakwatch/policy"
)

// RuleStore is read by the scanners once per job or session.
type RuleStore interface {
	CreateRule(ctx context.Context, rule policy.Rule) error
	GetRule(ctx context.Context, id string) (policy.Rule, error)
	UpdateRule(ctx context.Context, rule policy.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, ownerID string) ([]policy.Rule, error)
	ListEnabledRules(ctx context.Context, ownerID string) ([]policy.Rule, error)
}

// JobStore does not check ownership; callers do.
type JobStore interface {
	CreateJob(ctx context.Context, job model.ScanJob) error
	GetJob(ctx context.Context, id string) (model.ScanJob, error)
	UpdateJob(ctx context.Context, job model.ScanJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, ownerID string) ([]model.ScanJob, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session model.WatchSession) error
	GetSession(ctx context.Context, id string) (model.WatchSession, error)
	UpdateSession(ctx context.Context, session model.WatchSession) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, ownerID string) ([]model.WatchSession, error)
}
