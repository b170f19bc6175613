package salesforce

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

// maxBatchSize is the Salesforce Collections API limit per request.
const maxBatchSize = 200

// Task statuses used for review items.
const (
	TaskOpen      = "Not Started"
	TaskCompleted = "Completed"
)

// Task is a review item assigned to a user.
type Task struct {
	Subject     string
	Description string
	OwnerID     string
	Priority    string
	ExternalRef string
}

// TaskRecord is a Task as read back from Salesforce.
type TaskRecord struct {
	ID      string `json:"Id" salesforce:"Id"`
	Subject string `json:"Subject" salesforce:"Subject"`
	Status  string `json:"Status" salesforce:"Status"`
}

func (t Task) fields() map[string]any {
	f := map[string]any{
		"Subject":     t.Subject,
		"Description": t.Description,
		"Status":      TaskOpen,
		"Priority":    t.Priority,
	}
	if t.OwnerID != "" {
		f["OwnerId"] = t.OwnerID
	}
	if t.ExternalRef != "" {
		f["CallObject"] = t.ExternalRef
	}
	return f
}

// CreateTask creates one Task and returns its Salesforce ID.
func CreateTask(ctx context.Context, c Client, t Task) (string, error) {
	if t.Subject == "" {
		return "", eris.New("sf: task Subject is required")
	}
	id, err := c.InsertOne(ctx, "Task", t.fields())
	if err != nil {
		return "", eris.Wrap(err, "sf: create task")
	}
	return id, nil
}

// CreateTasks inserts tasks in batches of 200 (SF Collections API limit).
func CreateTasks(ctx context.Context, c Client, tasks []Task) ([]CollectionResult, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	var all []CollectionResult
	for start := 0; start < len(tasks); start += maxBatchSize {
		end := min(start+maxBatchSize, len(tasks))
		records := make([]map[string]any, 0, end-start)
		for _, t := range tasks[start:end] {
			records = append(records, t.fields())
		}
		results, err := c.InsertCollection(ctx, "Task", records)
		if err != nil {
			return all, eris.Wrap(err, fmt.Sprintf("sf: create tasks batch %d-%d", start, end))
		}
		all = append(all, results...)
	}
	return all, nil
}

// CompleteTask marks a Task completed with a closing comment.
func CompleteTask(ctx context.Context, c Client, id, comment string) error {
	if id == "" {
		return eris.New("sf: task id is required")
	}
	fields := map[string]any{"Status": TaskCompleted}
	if comment != "" {
		fields["Description"] = comment
	}
	if err := c.UpdateOne(ctx, "Task", id, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: complete task %s", id))
	}
	return nil
}
