package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskboard/domain"
)

const edmInt64 = "Edm.Int64"

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// Tables reads tasks from an Azure table (partition = user id, row = task id)
// and sends mutations as commands on an Azure queue. An updater applies the
// commands and signals the listener.
type Tables struct {
	taskTable    *aztables.Client
	commandQueue *azqueue.QueueClient
	listener     Listener
	now          func() time.Time
}

// NewTables connects to the task table and command queue. listener provides
// the change signals that drive Subscribe.
func NewTables(connStr, tasksTable, commandQueue string, listener Listener) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, fmt.Errorf("table service: %w", err)
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return &Tables{taskTable: svc.NewClient(tasksTable), commandQueue: cq, listener: listener, now: time.Now}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title         string `json:"Title"`
	Completed     bool   `json:"Completed"`
	Priority      string `json:"Priority,omitempty"`
	DueDate       string `json:"DueDate,omitempty"`
	Description   string `json:"Description,omitempty"`
	Tags          string `json:"Tags,omitempty"`
	Category      string `json:"Category,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
}

func entityFromRecord(rec domain.Record) (taskEntity, error) {
	ent := taskEntity{
		entityKeys:  entityKeys{PartitionKey: rec.UserID, RowKey: rec.ID},
		Title:       rec.Title,
		Completed:   rec.Completed,
		Priority:    rec.Priority,
		DueDate:     rec.DueDate,
		Description: rec.Description,
		Category:    rec.Category,
	}
	if len(rec.Tags) > 0 {
		tags, err := json.Marshal(rec.Tags)
		if err != nil {
			return taskEntity{}, err
		}
		ent.Tags = string(tags)
	}
	if ts, ok := rec.CreatedAt.Time(); ok {
		ent.CreatedAt = ts.UnixNano()
		ent.CreatedAtType = edmInt64
	}
	return ent, nil
}

func (e taskEntity) record() domain.Record {
	rec := domain.Record{
		ID:          e.RowKey,
		UserID:      e.PartitionKey,
		Title:       e.Title,
		Completed:   e.Completed,
		Priority:    e.Priority,
		DueDate:     e.DueDate,
		Description: e.Description,
		Category:    e.Category,
	}
	if e.Tags != "" {
		// a corrupt tag column reads as no tags
		_ = json.Unmarshal([]byte(e.Tags), &rec.Tags)
	}
	if e.CreatedAt != 0 {
		rec.CreatedAt = domain.TimestampOf(time.Unix(0, e.CreatedAt))
	}
	return rec
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
}

// FetchTasks retrieves all tasks for the provided user.
func (t *Tables) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	filter := partitionFilter(userID)
	pager := t.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	records := []domain.Record{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			records = append(records, ent.record())
		}
	}
	return records, nil
}

func (t *Tables) Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot {
	return Subscribe(ctx, t, t.listener, userID)
}

// AddTask enqueues a create command. The id is assigned here so the caller
// can refer to the task before the updater has applied it.
func (t *Tables) AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error) {
	id := uuid.NewString()
	if err := t.enqueue(ctx, userID, domain.CommandCreateTask, id, task); err != nil {
		return "", err
	}
	return id, nil
}

func (t *Tables) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error {
	return t.enqueue(ctx, userID, domain.CommandUpdateTask, taskID, patch)
}

func (t *Tables) DeleteTask(ctx context.Context, userID, taskID string) error {
	return t.enqueue(ctx, userID, domain.CommandDeleteTask, taskID, nil)
}

func (t *Tables) enqueue(ctx context.Context, userID, cmdType, taskID string, data any) error {
	cmd := domain.Command{ID: uuid.NewString(), Type: cmdType, TaskID: taskID, Timestamp: t.now().UnixNano()}
	if data != nil {
		raw, err := sonic.Marshal(data)
		if err != nil {
			return err
		}
		cmd.Data = raw
	}
	env := domain.CommandEnvelope{UserID: userID, Command: cmd}
	payload, err := sonic.MarshalString(env)
	if err != nil {
		return err
	}
	if _, err := t.commandQueue.EnqueueMessage(ctx, payload, nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", cmdType, err)
	}
	return nil
}

// Dequeue retrieves a single message from the command queue.
func (t *Tables) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := t.commandQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteMessage removes a processed message from the command queue.
func (t *Tables) DeleteMessage(ctx context.Context, id, receipt string) error {
	_, err := t.commandQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// GetTask returns the stored task, or nil when it does not exist.
func (t *Tables) GetTask(ctx context.Context, userID, taskID string) (*domain.Record, error) {
	resp, err := t.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	rec := ent.record()
	return &rec, nil
}

// PutTask creates or replaces the stored task.
func (t *Tables) PutTask(ctx context.Context, rec domain.Record) error {
	ent, err := entityFromRecord(rec)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = t.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// RemoveTask deletes the stored task and reports domain.ErrNotFound when it
// was already gone.
func (t *Tables) RemoveTask(ctx context.Context, userID, taskID string) error {
	et := azcore.ETagAny
	_, err := t.taskTable.DeleteEntity(ctx, userID, taskID, &aztables.DeleteEntityOptions{IfMatch: &et})
	if isNotFound(err) {
		return fmt.Errorf("remove %s/%s: %w", userID, taskID, domain.ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
