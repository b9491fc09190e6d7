package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/services"
	"foodbridge/core/internal/store/memstore"
	"foodbridge/core/internal/tasks"
)

// --- Mocks ---

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, n notify.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}

type stubBlobs map[string][]byte

func (b stubBlobs) DownloadBlob(_ context.Context, key string) ([]byte, error) {
	data, ok := b[key]
	if !ok {
		return nil, errs.NotFound("object", key)
	}
	return data, nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store    *memstore.Store
	listings services.IListingService
	requests services.IRequestService
	hook     *[]notify.Notification
}

func newEnv(t *testing.T) env {
	s := memstore.New()
	var sent []notify.Notification
	deps := services.Deps{
		Store: s,
		Hook:  notify.HookFunc(func(_ context.Context, n notify.Notification) { sent = append(sent, n) }),
		Clock: func() time.Time { return now },
	}
	cfg := config.Defaults()
	return env{
		store:    s,
		listings: services.NewListingService(deps, cfg),
		requests: services.NewRequestService(deps, cfg),
		hook:     &sent,
	}
}

func (e env) listing(t *testing.T) *models.Listing {
	l, err := e.listings.CreateListing(context.Background(), "donor", models.ListingDraft{
		Title:          "Idli",
		Description:    "Two dozen",
		FoodType:       models.FoodTypeVeg,
		Quantity:       24,
		ExpiryTime:     now.Add(3 * time.Hour),
		PickupLocation: models.PickupLocation{Latitude: 12.9, Longitude: 77.6, Address: "Indiranagar"},
	})
	require.NoError(t, err)
	return l
}

// --- Tests ---

func TestHandleNotificationTask_Sends(t *testing.T) {
	sender := new(MockSender)
	p := tasks.NewTaskProcessor(config.Defaults(), sender, nil, nil, nil)

	n := notify.New(notify.EventRequestAccepted, "recv", "l1", notify.Data{FoodTitle: "Idli"})
	payload, _ := json.Marshal(n)

	sender.On("Send", mock.Anything, mock.MatchedBy(func(got notify.Notification) bool {
		return got.RecipientID == "recv" && got.Message == "Your request for Idli has been accepted!"
	})).Return(nil)

	err := p.HandleNotificationTask(context.Background(), asynq.NewTask(tasks.TypeNotificationDeliver, payload))
	assert.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestHandleNotificationTask_BadPayloadSkipsRetry(t *testing.T) {
	sender := new(MockSender)
	p := tasks.NewTaskProcessor(config.Defaults(), sender, nil, nil, nil)

	err := p.HandleNotificationTask(context.Background(), asynq.NewTask(tasks.TypeNotificationDeliver, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestHandleNotificationTask_SenderErrorRetries(t *testing.T) {
	sender := new(MockSender)
	p := tasks.NewTaskProcessor(config.Defaults(), sender, nil, nil, nil)
	payload, _ := json.Marshal(notify.New(notify.EventFoodExpiring, "donor", "l1", notify.Data{}))
	sender.On("Send", mock.Anything, mock.Anything).Return(assert.AnError)

	err := p.HandleNotificationTask(context.Background(), asynq.NewTask(tasks.TypeNotificationDeliver, payload))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleListingExpiringTask(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t)
	p := tasks.NewTaskProcessor(config.Defaults(), nil, e.listings, e.requests, nil)

	payload, _ := json.Marshal(tasks.ListingTaskPayload{ListingID: l.ID})
	require.NoError(t, p.HandleListingExpiringTask(context.Background(), asynq.NewTask(tasks.TypeListingExpiring, payload)))
	require.Len(t, *e.hook, 1)
	assert.Equal(t, notify.EventFoodExpiring, (*e.hook)[0].Event)

	gone, _ := json.Marshal(tasks.ListingTaskPayload{ListingID: "deleted"})
	assert.NoError(t, p.HandleListingExpiringTask(context.Background(), asynq.NewTask(tasks.TypeListingExpiring, gone)))
}

func TestHandleRequestRepairTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t)
	r, err := e.requests.CreateRequest(ctx, l.ID, "recv", "")
	require.NoError(t, err)
	// Half-applied accept: request accepted, listing untouched.
	_, err = e.store.TransitionRequest(ctx, r.ID, models.RequestPending, models.RequestAccepted, now)
	require.NoError(t, err)

	p := tasks.NewTaskProcessor(config.Defaults(), nil, e.listings, e.requests, nil)
	payload, _ := json.Marshal(tasks.RepairTaskPayload{RequestID: r.ID})
	require.NoError(t, p.HandleRequestRepairTask(ctx, asynq.NewTask(tasks.TypeRequestRepair, payload)))

	stored, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingClaimed, stored.Status)
	assert.Equal(t, "recv", stored.ClaimedBy)

	sweep, _ := json.Marshal(tasks.RepairTaskPayload{})
	assert.NoError(t, p.HandleRequestRepairTask(ctx, asynq.NewTask(tasks.TypeRequestRepair, sweep)))

	missing, _ := json.Marshal(tasks.RepairTaskPayload{RequestID: "nope"})
	err = p.HandleRequestRepairTask(ctx, asynq.NewTask(tasks.TypeRequestRepair, missing))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleImageProcessTask_MissingObjectSkipsRetry(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t)
	p := tasks.NewTaskProcessor(config.Defaults(), nil, e.listings, e.requests, stubBlobs{})

	payload, _ := json.Marshal(tasks.ImageTaskPayload{S3Key: "uploads/donor/x/a.png", ListingID: l.ID, DonorID: "donor"})
	err := p.HandleImageProcessTask(context.Background(), asynq.NewTask(tasks.TypeImageProcess, payload))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestScheduler_ScheduleExpiryNotice(t *testing.T) {
	enq := new(MockEnqueuer)
	s := tasks.NewScheduler(enq)
	l := &models.Listing{ID: "l1"}

	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p tasks.ListingTaskPayload
		return task.Type() == tasks.TypeListingExpiring && json.Unmarshal(task.Payload(), &p) == nil && p.ListingID == "l1"
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "expiring:l1"}, nil).Once()
	require.NoError(t, s.ScheduleExpiryNotice(context.Background(), l, now.Add(time.Hour)))

	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict).Once()
	assert.NoError(t, s.ScheduleExpiryNotice(context.Background(), l, now.Add(time.Hour)), "already scheduled")

	enq.AssertExpectations(t)
}

func TestScheduler_EnqueueRepair(t *testing.T) {
	enq := new(MockEnqueuer)
	s := tasks.NewScheduler(enq)

	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == tasks.TypeRequestRepair
	}), mock.Anything).Return(nil, errors.New("redis down"))

	assert.Error(t, s.EnqueueRepair(context.Background(), "r1"))
}

func TestNotificationHook_SwallowsEnqueueErrors(t *testing.T) {
	enq := new(MockEnqueuer)
	hook := tasks.NewNotificationHook(enq)
	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var n notify.Notification
		return task.Type() == tasks.TypeNotificationDeliver && json.Unmarshal(task.Payload(), &n) == nil && n.RecipientID == "donor"
	}), mock.Anything).Return(nil, errors.New("redis down"))

	assert.NotPanics(t, func() {
		hook.Notify(context.Background(), notify.New(notify.EventFoodRequest, "donor", "l1", notify.Data{}))
	})
	enq.AssertExpectations(t)
}
