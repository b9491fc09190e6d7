package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"foodbridge/core/internal/config"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/services"
)

// TaskType defines the type of a background task.
const (
	TypeNotificationDeliver = "notification:deliver"
	TypeListingExpiring     = "listing:expiring"
	TypeRequestRepair       = "request:repair"
	TypeImageProcess        = "image:process"
)

const (
	queueCritical = "critical"
	queueDefault  = "default"
	queueImages   = "images"
)

// --- Task Client (Enqueuing tasks) ---

func redisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	opts := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
}

func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(redisOpt(rdb))
}

// Enqueuer is the part of *asynq.Client the producers use.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler implements services.Scheduler on asynq and also queues image processing.
type Scheduler struct {
	client Enqueuer
}

func NewScheduler(client Enqueuer) *Scheduler {
	return &Scheduler{client: client}
}

var _ services.Scheduler = (*Scheduler)(nil)

// ListingTaskPayload identifies a listing for listing-scoped tasks.
type ListingTaskPayload struct {
	ListingID string `json:"listing_id"`
}

// ScheduleExpiryNotice runs the food_expiring check at the given time.
// The task id is per listing so re-scheduling the same listing is a no-op.
func (s *Scheduler) ScheduleExpiryNotice(ctx context.Context, listing *models.Listing, at time.Time) error {
	payload, err := json.Marshal(ListingTaskPayload{ListingID: listing.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal expiry payload: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(TypeListingExpiring, payload),
		asynq.ProcessAt(at),
		asynq.TaskID("expiring:"+listing.ID),
		asynq.Queue(queueDefault),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to schedule expiry notice for listing %s: %w", listing.ID, err)
	}
	return nil
}

// RepairTaskPayload names one request to repair. An empty id sweeps every accepted request.
type RepairTaskPayload struct {
	RequestID string `json:"request_id,omitempty"`
}

func (s *Scheduler) EnqueueRepair(ctx context.Context, requestID string) error {
	payload, err := json.Marshal(RepairTaskPayload{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("failed to marshal repair payload: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(TypeRequestRepair, payload),
		asynq.Queue(queueCritical),
		asynq.ProcessIn(5*time.Second),
		asynq.MaxRetry(10),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue repair of request %s: %w", requestID, err)
	}
	return nil
}

// ImageTaskPayload points at an image a client uploaded directly to S3.
type ImageTaskPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
	DonorID   string `json:"donor_id"`
}

func (s *Scheduler) EnqueueImageProcess(ctx context.Context, p ImageTaskPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal image payload: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(TypeImageProcess, payload), asynq.Queue(queueImages))
	if err != nil {
		return fmt.Errorf("failed to enqueue image %s: %w", p.S3Key, err)
	}
	return nil
}

// NotificationHook hands notifications to the worker. Failures are logged, never returned.
type NotificationHook struct {
	client Enqueuer
}

func NewNotificationHook(client Enqueuer) *NotificationHook {
	return &NotificationHook{client: client}
}

func (h *NotificationHook) Notify(ctx context.Context, n notify.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("WARN: failed to marshal %s notification for %s: %v", n.Event, n.RecipientID, err)
		return
	}
	if _, err := h.client.EnqueueContext(ctx, asynq.NewTask(TypeNotificationDeliver, payload), asynq.Queue(queueDefault)); err != nil {
		log.Printf("WARN: failed to enqueue %s notification for %s: %v", n.Event, n.RecipientID, err)
	}
}

// --- Task Server (Processing tasks) ---

// BlobSource reads uploaded objects back. storage.IS3Storage implements it.
type BlobSource interface {
	DownloadBlob(ctx context.Context, key string) ([]byte, error)
}

// TaskProcessor handles the processing of tasks.
type TaskProcessor struct {
	cfg            *config.Config
	sender         notify.Sender
	listingService services.IListingService
	requestService services.IRequestService
	blobs          BlobSource
}

func NewTaskProcessor(
	cfg *config.Config,
	sender notify.Sender,
	listingService services.IListingService,
	requestService services.IRequestService,
	blobs BlobSource,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:            cfg,
		sender:         sender,
		listingService: listingService,
		requestService: requestService,
		blobs:          blobs,
	}
}

// SetupServer configures the asynq server and its handlers. The caller runs it.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		redisOpt(rdb),
		asynq.Config{
			Queues: map[string]int{
				queueCritical: 6,
				queueImages:   4,
				queueDefault:  3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeNotificationDeliver, processor.HandleNotificationTask)
	mux.HandleFunc(TypeListingExpiring, processor.HandleListingExpiringTask)
	mux.HandleFunc(TypeRequestRepair, processor.HandleRequestRepairTask)
	if processor.blobs != nil {
		mux.HandleFunc(TypeImageProcess, processor.HandleImageProcessTask)
	}
	log.Println("Registered background task handlers.")
	return srv, mux
}

// NewPeriodicScheduler sweeps accepted requests on a fixed interval, catching gaps
// whose targeted repair task was never enqueued.
func NewPeriodicScheduler(rdb *redis.Client, every time.Duration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt(rdb), &asynq.SchedulerOpts{Location: time.UTC})
	payload, err := json.Marshal(RepairTaskPayload{})
	if err != nil {
		return nil, err
	}
	cronspec := fmt.Sprintf("@every %s", every)
	if _, err := scheduler.Register(cronspec, asynq.NewTask(TypeRequestRepair, payload), asynq.Queue(queueCritical)); err != nil {
		return nil, fmt.Errorf("failed to register repair sweep: %w", err)
	}
	return scheduler, nil
}

// skipIfTerminal stops retries for caller errors that a retry cannot fix.
func skipIfTerminal(err error) error {
	if errs.IsTerminal(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// --- Task Handlers ---

func (p *TaskProcessor) HandleNotificationTask(ctx context.Context, t *asynq.Task) error {
	var n notify.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("failed to unmarshal notification payload: %v: %w", err, asynq.SkipRetry)
	}
	if n.RecipientID == "" {
		return fmt.Errorf("notification without recipient: %w", asynq.SkipRetry)
	}
	if n.Message == "" {
		n.Message = notify.Format(n.Event, n.Data)
	}
	if err := p.sender.Send(ctx, n); err != nil {
		return fmt.Errorf("failed to deliver %s notification to %s: %w", n.Event, n.RecipientID, err)
	}
	return nil
}

func (p *TaskProcessor) HandleListingExpiringTask(ctx context.Context, t *asynq.Task) error {
	var payload ListingTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal listing payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.listingService.NotifyExpiring(ctx, payload.ListingID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Printf("Listing %s was deleted before its expiry notice", payload.ListingID)
			return nil
		}
		return skipIfTerminal(err)
	}
	return nil
}

func (p *TaskProcessor) HandleRequestRepairTask(ctx context.Context, t *asynq.Task) error {
	var payload RepairTaskPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal repair payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	if payload.RequestID == "" {
		n, err := p.requestService.RepairAcceptedRequests(ctx)
		if err != nil {
			return err
		}
		log.Printf("Repair sweep fixed %d requests", n)
		return nil
	}

	fixed, err := p.requestService.RepairRequest(ctx, payload.RequestID)
	if err != nil {
		return skipIfTerminal(err)
	}
	if fixed {
		log.Printf("Repaired request %s", payload.RequestID)
	}
	return nil
}

func (p *TaskProcessor) HandleImageProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image task payload: %v: %w", err, asynq.SkipRetry)
	}
	log.Printf("Processing image task: S3Key=%s, ListingID=%s", payload.S3Key, payload.ListingID)

	data, err := p.blobs.DownloadBlob(ctx, payload.S3Key)
	if err != nil {
		return skipIfTerminal(err)
	}
	if _, err := p.listingService.AttachImage(ctx, payload.ListingID, payload.DonorID, path.Base(payload.S3Key), data); err != nil {
		return skipIfTerminal(err)
	}
	log.Printf("Image task processed successfully: Key=%s, ListingID=%s", payload.S3Key, payload.ListingID)
	return nil
}
