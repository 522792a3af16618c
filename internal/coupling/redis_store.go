package coupling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/saaga0h/adaptive-core/pkg/redis"
)

// sampleRecord is the sorted set member. The id keeps identical samples distinct.
type sampleRecord struct {
	ID    string  `json:"id"`
	At    int64   `json:"at"` // unix nanoseconds
	Value float64 `json:"value"`
}

// RedisSampleStore keeps one sorted set per series, scored by unix millis,
// and trims entries older than the retention on every append.
type RedisSampleStore struct {
	redis     redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisSampleStore creates a store over client. Zero retention keeps everything.
func NewRedisSampleStore(client redis.Client, retention time.Duration, logger *slog.Logger) *RedisSampleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSampleStore{redis: client, retention: retention, logger: logger}
}

// Append implements SampleStore
func (r *RedisSampleStore) Append(ctx context.Context, s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	ref := s.Ref()
	key := redis.SampleSeriesKey(ref.Component, ref.Metric)

	data, err := json.Marshal(sampleRecord{ID: uuid.NewString(), At: s.Timestamp.UnixNano(), Value: s.Value})
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	if err := r.redis.ZAdd(ctx, key, float64(s.Timestamp.UnixMilli()), string(data)); err != nil {
		return fmt.Errorf("failed to add sample to sorted set: %w", err)
	}
	if err := r.redis.HSet(ctx, redis.SeriesIndexKey, ref.String(), key); err != nil {
		r.logger.Warn("Failed to index sample series", "series", ref.String(), "error", err)
	}

	if r.retention > 0 {
		cutoff := s.Timestamp.Add(-r.retention).UnixMilli()
		if err := r.redis.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)); err != nil {
			r.logger.Warn("Failed to trim old samples", "series", ref.String(), "error", err)
		}
		if err := r.redis.Expire(ctx, key, r.retention); err != nil {
			return fmt.Errorf("failed to set TTL on sample series: %w", err)
		}
	}

	if count, err := r.redis.ZCard(ctx, key); err != nil {
		r.logger.Warn("Failed to get sample series size", "series", ref.String(), "error", err)
	} else {
		r.logger.Debug("Stored coupling sample", "series", ref.String(), "value", s.Value, "buffer_size", count)
	}
	return nil
}

// Range implements SampleStore
func (r *RedisSampleStore) Range(ctx context.Context, ref MetricRef, from, to time.Time) ([]Sample, error) {
	key := redis.SampleSeriesKey(ref.Component, ref.Metric)
	members, err := r.redis.ZRangeByScoreWithScores(ctx, key, float64(from.UnixMilli()), float64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("failed to read sample series %s: %w", ref, err)
	}

	out := make([]Sample, 0, len(members))
	for _, m := range members {
		var rec sampleRecord
		if err := json.Unmarshal([]byte(m.Member), &rec); err != nil {
			r.logger.Warn("Skipping malformed sample", "series", ref.String(), "error", err)
			continue
		}
		ts := time.Unix(0, rec.At).UTC()
		if ts.Before(from) || ts.After(to) {
			continue
		}
		out = append(out, Sample{Timestamp: ts, Component: ref.Component, Metric: ref.Metric, Value: rec.Value})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Series implements SampleStore
func (r *RedisSampleStore) Series(ctx context.Context) ([]MetricRef, error) {
	index, err := r.redis.HGetAll(ctx, redis.SeriesIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read series index: %w", err)
	}
	refs := make([]MetricRef, 0, len(index))
	for field := range index {
		ref, err := ParseMetricRef(field)
		if err != nil {
			r.logger.Warn("Skipping malformed series index entry", "field", field)
			continue
		}
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs, nil
}

// Ping checks the backing connection
func (r *RedisSampleStore) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx)
}
