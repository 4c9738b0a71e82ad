package worker

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b > max {
		t.Fatalf("backoff not capped: %s", b)
	}
}

type fakeBroker struct {
	mu       sync.Mutex
	jobs     []models.Job
	acked    []string
	nacked   map[string]error
	extended int
}

func (b *fakeBroker) Dequeue(_ context.Context, _ string) (models.Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.jobs) == 0 {
		return models.Job{}, false, nil
	}
	j := b.jobs[0]
	b.jobs = b.jobs[1:]
	return j, true, nil
}

func (b *fakeBroker) Ack(_ context.Context, id string) error {
	b.mu.Lock()
	b.acked = append(b.acked, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Nack(_ context.Context, id string, cause error) error {
	b.mu.Lock()
	if b.nacked == nil {
		b.nacked = map[string]error{}
	}
	b.nacked[id] = cause
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) ExtendLease(context.Context, string, time.Duration) error {
	b.mu.Lock()
	b.extended++
	b.mu.Unlock()
	return nil
}

func TestRegistryRejectsUnknownOperation(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("reboot_universe", func(context.Context, models.Job) error { return nil }))
	assert.Error(t, reg.Register(models.OpVerifyPayment, nil))

	_, err := reg.Lookup(models.OpVerifyPayment)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	require.NoError(t, reg.Register(models.OpVerifyPayment, func(context.Context, models.Job) error { return nil }))
	assert.Equal(t, []models.OperationType{models.OpVerifyPayment}, reg.Operations())
}

func TestProcessAcksAndNacks(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.MustRegister(models.OpProvisionProxy, func(context.Context, models.Job) error { return nil })
	reg.MustRegister(models.OpVerifyPayment, func(context.Context, models.Job) error { return errors.New("card declined") })
	reg.MustRegister(models.OpSendNotification, func(context.Context, models.Job) error { panic("nil template") })

	b := &fakeBroker{}
	p := NewProcessor(config.Config{VisibilityTimeout: time.Minute}, b, reg, nil)

	p.Process(ctx, models.Job{ID: "ok", Type: models.OpProvisionProxy})
	p.Process(ctx, models.Job{ID: "declined", Type: models.OpVerifyPayment})
	p.Process(ctx, models.Job{ID: "panics", Type: models.OpSendNotification})
	p.Process(ctx, models.Job{ID: "unregistered", Type: models.OpRotateCredentials})

	assert.Equal(t, []string{"ok"}, b.acked)
	require.Len(t, b.nacked, 3)
	assert.EqualError(t, b.nacked["declined"], "card declined")
	assert.Contains(t, b.nacked["panics"].Error(), "handler panic")
	assert.ErrorIs(t, b.nacked["unregistered"], ErrUnknownOperation)
}

func TestProcessExtendsLeaseForLongJobs(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(models.OpSyncPanelUsage, func(context.Context, models.Job) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	})
	b := &fakeBroker{}
	p := NewProcessor(config.Config{VisibilityTimeout: 40 * time.Millisecond}, b, reg, nil)

	p.Process(context.Background(), models.Job{ID: "long", Type: models.OpSyncPanelUsage})

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.GreaterOrEqual(t, b.extended, 2)
	assert.Equal(t, []string{"long"}, b.acked)
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(models.OpCollectMetrics, func(context.Context, models.Job) error { return nil })

	b := &fakeBroker{jobs: []models.Job{
		{ID: "a", Type: models.OpCollectMetrics},
		{ID: "b", Type: models.OpCollectMetrics},
		{ID: "c", Type: models.OpCollectMetrics},
	}}
	p := NewProcessor(config.Config{WorkerConcurrency: 2, WorkerPollInterval: 5 * time.Millisecond}, b, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, b.acked)
}

func TestForwardHandler(t *testing.T) {
	var (
		gotPath string
		gotBody string
		gotJob  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotJob = r.Header.Get("X-Job-ID")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		if r.URL.Path == "/verify_payment" {
			http.Error(w, "gateway down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewForwardHandler(srv.URL+"/", time.Second)
	err := h.Handle(context.Background(), models.Job{ID: "j1", Type: models.OpProvisionProxy, Payload: []byte(`{"plan":"residential"}`)})
	require.NoError(t, err)
	assert.Equal(t, "/provision_proxy", gotPath)
	assert.Equal(t, "j1", gotJob)
	assert.JSONEq(t, `{"plan":"residential"}`, gotBody)

	err = h.Handle(context.Background(), models.Job{ID: "j2", Type: models.OpVerifyPayment})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "gateway down")

	reg := NewRegistry()
	RegisterForwarding(reg, h)
	assert.Len(t, reg.Operations(), len(models.OperationTypes))
}
