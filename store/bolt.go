package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"leakwatch/apperr"
	"leakwatch/model"
	"leakwatch/policy"
)

var (
	bucketRules    = []byte("rules")
	bucketJobs     = []byte("scan_jobs")
	bucketSessions = []byte("watch_sessions")
)

// BoltStore keeps one bucket per entity with JSON-encoded values keyed by id.
type BoltStore struct {
	db *bbolt.DB
}

var (
	_ RuleStore    = (*BoltStore)(nil)
	_ JobStore     = (*BoltStore)(nil)
	_ SessionStore = (*BoltStore)(nil)
)

func OpenBolt(path string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRules, bucketJobs, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateRule(ctx context.Context, rule policy.Rule) error {
	if err := policy.ValidateRule(rule); err != nil {
		return err
	}
	return insert(s.db, bucketRules, "rule", rule.ID, rule)
}

func (s *BoltStore) GetRule(ctx context.Context, id string) (policy.Rule, error) {
	var rule policy.Rule
	err := get(s.db, bucketRules, "rule", id, &rule)
	return rule, err
}

func (s *BoltStore) UpdateRule(ctx context.Context, rule policy.Rule) error {
	if err := policy.ValidateRule(rule); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	return replace(s.db, bucketRules, "rule", rule.ID, rule)
}

func (s *BoltStore) DeleteRule(ctx context.Context, id string) error {
	return remove(s.db, bucketRules, "rule", id)
}

func (s *BoltStore) ListRules(ctx context.Context, ownerID string) ([]policy.Rule, error) {
	rules, err := list(s.db, bucketRules, func(r policy.Rule) bool { return r.OwnerID == ownerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (s *BoltStore) ListEnabledRules(ctx context.Context, ownerID string) ([]policy.Rule, error) {
	rules, err := s.ListRules(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	enabled := rules[:0]
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (s *BoltStore) CreateJob(ctx context.Context, job model.ScanJob) error {
	return insert(s.db, bucketJobs, "scan job", job.ID, job)
}

func (s *BoltStore) GetJob(ctx context.Context, id string) (model.ScanJob, error) {
	var job model.ScanJob
	err := get(s.db, bucketJobs, "scan job", id, &job)
	return job, err
}

func (s *BoltStore) UpdateJob(ctx context.Context, job model.ScanJob) error {
	return replace(s.db, bucketJobs, "scan job", job.ID, job)
}

func (s *BoltStore) DeleteJob(ctx context.Context, id string) error {
	return remove(s.db, bucketJobs, "scan job", id)
}

func (s *BoltStore) ListJobs(ctx context.Context, ownerID string) ([]model.ScanJob, error) {
	jobs, err := list(s.db, bucketJobs, func(j model.ScanJob) bool { return j.OwnerID == ownerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs, nil
}

func (s *BoltStore) CreateSession(ctx context.Context, session model.WatchSession) error {
	return insert(s.db, bucketSessions, "watch session", session.ID, session)
}

func (s *BoltStore) GetSession(ctx context.Context, id string) (model.WatchSession, error) {
	var session model.WatchSession
	err := get(s.db, bucketSessions, "watch session", id, &session)
	return session, err
}

func (s *BoltStore) UpdateSession(ctx context.Context, session model.WatchSession) error {
	return replace(s.db, bucketSessions, "watch session", session.ID, session)
}

func (s *BoltStore) DeleteSession(ctx context.Context, id string) error {
	return remove(s.db, bucketSessions, "watch session", id)
}

func (s *BoltStore) ListSessions(ctx context.Context, ownerID string) ([]model.WatchSession, error) {
	sessions, err := list(s.db, bucketSessions, func(w model.WatchSession) bool { return w.OwnerID == ownerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return sessions, nil
}

func insert(db *bbolt.DB, bucket []byte, entity, id string, v interface{}) error {
	if id == "" {
		return apperr.Validationf("%s id is required", entity)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", entity, err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return apperr.Validationf("%s %s already exists", entity, id)
		}
		return b.Put([]byte(id), data)
	})
}

func replace(db *bbolt.DB, bucket []byte, entity, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", entity, err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return apperr.NotFoundf("%s %s not found", entity, id)
		}
		return b.Put([]byte(id), data)
	})
}

func get(db *bbolt.DB, bucket []byte, entity, id string, v interface{}) error {
	return db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return apperr.NotFoundf("%s %s not found", entity, id)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s %s: %w", entity, id, err)
		}
		return nil
	})
}

func remove(db *bbolt.DB, bucket []byte, entity, id string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return apperr.NotFoundf("%s %s not found", entity, id)
		}
		return b.Delete([]byte(id))
	})
}

func list[T any](db *bbolt.DB, bucket []byte, keep func(T) bool) ([]T, error) {
	out := []T{}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, data []byte) error {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if keep(v) {
				out = append(out, v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
