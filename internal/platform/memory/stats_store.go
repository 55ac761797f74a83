package memory

import (
	"context"
	"sort"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

type statsStore struct{ view }

var _ store.QueueStatsStore = (*statsStore)(nil)

func bucketKey(queue string, date time.Time, hour int) statKey {
	return statKey{queue: queue, date: date.UTC().Unix(), hour: hour}
}

func (s *statsStore) Increment(ctx context.Context, queueName string, counter domain.StatCounter, durationMs *int64, now time.Time) error {
	defer s.lock()()
	st := s.state()

	date, hour := domain.BucketTime(now)
	k := bucketKey(queueName, date, hour)
	b, ok := st.stats[k]
	if !ok {
		b = domain.NewQueueStatsBucket(queueName, now)
		st.stats[k] = b
	}
	b.Increment(counter, durationMs, now)
	return nil
}

func (s *statsStore) Get(ctx context.Context, queueName string, date time.Time, hour int) (*domain.QueueStatsBucket, error) {
	defer s.lock()()
	b, ok := s.state().stats[bucketKey(queueName, date, hour)]
	if !ok {
		return nil, store.ErrStatsBucketNotFound
	}
	c := *b
	return &c, nil
}

func (s *statsStore) List(ctx context.Context, queueName string, from, to time.Time) ([]domain.QueueStatsBucket, error) {
	defer s.lock()()
	out := []domain.QueueStatsBucket{}
	for _, b := range s.state().stats {
		if queueName != "" && b.QueueName != queueName {
			continue
		}
		at := b.StatDate.Add(time.Duration(b.StatHour) * time.Hour)
		if at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueName != out[j].QueueName {
			return out[i].QueueName < out[j].QueueName
		}
		if !out[i].StatDate.Equal(out[j].StatDate) {
			return out[i].StatDate.Before(out[j].StatDate)
		}
		return out[i].StatHour < out[j].StatHour
	})
	return out, nil
}
