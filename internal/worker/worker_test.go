package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencivic/speedguard/internal/bus"
	"github.com/opencivic/speedguard/internal/detect"
	"github.com/opencivic/speedguard/internal/domain"
	"github.com/opencivic/speedguard/internal/store"
)

func newTestService(t *testing.T, eventBus domain.EventBus) *detect.Service {
	t.Helper()
	policy := domain.DefaultPolicy()
	svc, err := detect.NewService(store.New(policy), nil, nil, eventBus, nil, nil, policy)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	svc := newTestService(t, eventBus)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, svc, nil)

		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicBatchIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicBatchIngested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		w := NewWorker(eventBus, svc, nil)
		w.Start(Config{})
		defer w.Stop()

		// Track detection results
		var detectionReceived atomic.Bool

		eventBus.Subscribe(context.Background(), domain.TopicDetectionCompleted, func(ctx context.Context, msg *domain.Message) error {
			detectionReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		batch := BatchMessage{
			BatchID: "batch-001",
			Rows: []domain.RawRow{
				{
					RecordID:      "R-001",
					SourceType:    domain.SourceOfficer,
					Kind:          domain.EntityDriver,
					LicenseNumber: "D555",
					ViolationCode: "1180B",
					OccurredAt:    time.Now().UTC().AddDate(0, -1, 0),
					Disposition:   domain.DispositionGuilty,
					Jurisdiction:  "NY",
				},
			},
		}

		payload, _ := json.Marshal(batch)
		if err := eventBus.Publish(context.Background(), domain.TopicBatchIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(200 * time.Millisecond)

		if !detectionReceived.Load() {
			t.Error("expected detection result to be published")
		}

		stats := svc.Stats()
		if stats.TotalViolations != 1 {
			t.Errorf("expected 1 violation in store, got %d", stats.TotalViolations)
		}
	})

	t.Run("EmptyBatchIgnored", func(t *testing.T) {
		w := NewWorker(eventBus, svc, nil)
		w.Start(Config{})
		defer w.Stop()

		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(BatchMessage{BatchID: "batch-empty"})
		if err := eventBus.Publish(context.Background(), domain.TopicBatchIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		time.Sleep(100 * time.Millisecond)
		// No panic, no state change beyond the earlier test's record.
	})
}

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) SweepDue(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestWorkerSweepLoop(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	svc := newTestService(t, eventBus)
	sweeper := &fakeSweeper{}

	w := NewWorker(eventBus, svc, sweeper)
	if err := w.Start(Config{SweepInterval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if sweeper.calls.Load() == 0 {
		t.Error("expected at least one sweep")
	}
}

func TestBatchMessageParsing(t *testing.T) {
	msg := BatchMessage{
		BatchID: "batch-123",
		TraceID: "trace-456",
		Rows: []domain.RawRow{
			{
				RecordID:      "R-1",
				SourceType:    domain.SourceCamera,
				Kind:          domain.EntityVehicle,
				Plate:         "ABC123",
				PlateState:    "NY",
				ViolationCode: "1180D",
				OccurredAt:    time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
				Disposition:   domain.DispositionGuilty,
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed BatchMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.BatchID != msg.BatchID {
		t.Errorf("expected BatchID '%s', got '%s'", msg.BatchID, parsed.BatchID)
	}
	if len(parsed.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(parsed.Rows))
	}
	if parsed.Rows[0].EntityKey() != "ABC123:NY" {
		t.Errorf("expected entity key 'ABC123:NY', got '%s'", parsed.Rows[0].EntityKey())
	}
}
