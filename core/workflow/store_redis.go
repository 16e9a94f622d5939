package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/teamflow/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultWorkflowRedisURL = "redis://localhost:6379"
	historyMaxEntries       = 1000
)

// RedisStore persists definitions, work items and history in Redis.
// Work item writes use WATCH/MULTI so concurrent writers on the same item
// cannot both commit.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultWorkflowRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SaveWorkflow upserts a workflow definition and its indexes.
func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	score := float64(wf.UpdatedAt.Unix())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKey(wf.ID), payload, 0)
	pipe.ZAdd(ctx, workflowAllIndexKey(), redis.Z{Score: score, Member: wf.ID})
	if wf.TeamID != "" {
		pipe.ZAdd(ctx, workflowTeamIndexKey(wf.TeamID), redis.Z{Score: score, Member: wf.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LoadWorkflow returns a workflow definition by ID.
func (s *RedisStore) LoadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// DeleteWorkflow removes a definition together with its work items and history.
func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	wf, err := s.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	itemIDs, err := s.client.ZRange(ctx, itemsByWorkflowKey(id), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workflowKey(id))
	pipe.ZRem(ctx, workflowAllIndexKey(), id)
	if wf.TeamID != "" {
		pipe.ZRem(ctx, workflowTeamIndexKey(wf.TeamID), id)
	}
	for _, itemID := range itemIDs {
		pipe.Del(ctx, itemKey(itemID), itemHistoryKey(itemID))
		pipe.ZRem(ctx, itemsAllIndexKey(), itemID)
		for _, st := range AllStatuses {
			pipe.ZRem(ctx, itemsStatusIndexKey(st), itemID)
		}
	}
	pipe.Del(ctx, itemsByWorkflowKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// ListWorkflows returns recently updated workflows, optionally scoped by team.
func (s *RedisStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	index := workflowAllIndexKey()
	if filter.TeamID != "" {
		index = workflowTeamIndexKey(filter.TeamID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(ids))
	for _, raw := range s.fetch(ctx, ids, workflowKey) {
		var wf Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			continue
		}
		if !filter.IncludeDisabled && !wf.Enabled {
			continue
		}
		out = append(out, &wf)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// LoadWorkItem fetches a work item by ID.
func (s *RedisStore) LoadWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	if id == "" {
		return nil, fmt.Errorf("work item id required")
	}
	data, err := s.client.Get(ctx, itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var wi WorkItem
	if err := json.Unmarshal(data, &wi); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	return &wi, nil
}

// SaveWorkItem writes wi only if the stored version still equals expectedVersion.
func (s *RedisStore) SaveWorkItem(ctx context.Context, wi *WorkItem, expectedVersion int64) error {
	if wi == nil || wi.ID == "" || wi.WorkflowID == "" {
		return fmt.Errorf("work item id and workflow id required")
	}
	payload, err := json.Marshal(wi)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	key := itemKey(wi.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		prevStatus := Status("")
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev WorkItem
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("unmarshal work item: %w", err)
			}
			current = prev.Version
			prevStatus = prev.Status
		}
		if current != expectedVersion {
			return fmt.Errorf("work item %s at version %d, expected %d: %w", wi.ID, current, expectedVersion, ErrVersionConflict)
		}

		created := float64(wi.CreatedAt.UnixNano())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, itemsByWorkflowKey(wi.WorkflowID), redis.Z{Score: created, Member: wi.ID})
			pipe.ZAdd(ctx, itemsAllIndexKey(), redis.Z{Score: created, Member: wi.ID})
			if prevStatus != "" && prevStatus != wi.Status {
				pipe.ZRem(ctx, itemsStatusIndexKey(prevStatus), wi.ID)
			}
			pipe.ZAdd(ctx, itemsStatusIndexKey(wi.Status), redis.Z{Score: created, Member: wi.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("work item %s changed during write: %w", wi.ID, ErrVersionConflict)
	}
	return err
}

// QueryWorkItems returns items matching filter in creation order.
func (s *RedisStore) QueryWorkItems(ctx context.Context, filter WorkItemFilter) ([]*WorkItem, error) {
	var ids []string
	switch {
	case filter.WorkflowID != "":
		res, err := s.client.ZRange(ctx, itemsByWorkflowKey(filter.WorkflowID), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = res
	case len(filter.Statuses) > 0:
		seen := make(map[string]bool)
		for _, st := range filter.Statuses {
			res, err := s.client.ZRange(ctx, itemsStatusIndexKey(st), 0, -1).Result()
			if err != nil {
				return nil, err
			}
			for _, id := range res {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	default:
		res, err := s.client.ZRange(ctx, itemsAllIndexKey(), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = res
	}

	out := make([]*WorkItem, 0, len(ids))
	for _, raw := range s.fetch(ctx, ids, itemKey) {
		var wi WorkItem
		if err := json.Unmarshal(raw, &wi); err != nil {
			continue
		}
		if filter.Matches(&wi) {
			out = append(out, &wi)
		}
	}
	sortByCreated(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AppendTransition records a stage change in append-only order.
func (s *RedisStore) AppendTransition(ctx context.Context, t *StageTransition) error {
	if t == nil || t.WorkItemID == "" {
		return fmt.Errorf("transition work item id required")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if t.ID != "" {
		existing, err := s.ListTransitions(ctx, t.WorkItemID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ID == t.ID {
				return nil
			}
		}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, itemHistoryKey(t.WorkItemID), data)
	pipe.LTrim(ctx, itemHistoryKey(t.WorkItemID), -historyMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTransitions returns the history of a work item in chronological order.
func (s *RedisStore) ListTransitions(ctx context.Context, workItemID string) ([]StageTransition, error) {
	raw, err := s.client.LRange(ctx, itemHistoryKey(workItemID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StageTransition, 0, len(raw))
	for _, item := range raw {
		var t StageTransition
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) fetch(ctx context.Context, ids []string, keyFn func(string) string) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, keyFn(id))
	}
	_, _ = pipe.Exec(ctx)
	out := make([][]byte, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func workflowKey(id string) string {
	return "tf:wf:def:" + id
}

func workflowAllIndexKey() string {
	return "tf:wf:index:all"
}

func workflowTeamIndexKey(teamID string) string {
	return "tf:wf:index:team:" + teamID
}

func itemKey(id string) string {
	return "tf:item:" + id
}

func itemHistoryKey(id string) string {
	return "tf:item:history:" + id
}

func itemsByWorkflowKey(workflowID string) string {
	return "tf:items:wf:" + workflowID
}

func itemsAllIndexKey() string {
	return "tf:items:all"
}

func itemsStatusIndexKey(status Status) string {
	return "tf:items:status:" + string(status)
}
