package exceptions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/resilience"
	"github.com/sells-group/salesrecon/pkg/salesforce"
)

// SalesforceMirror publishes exception entries as Salesforce Tasks owned by
// the opportunity's current rep.
type SalesforceMirror struct {
	client salesforce.Client
	caller *resilience.Caller
}

// NewSalesforceMirror wraps client; calls go through caller.
func NewSalesforceMirror(client salesforce.Client, caller *resilience.Caller) *SalesforceMirror {
	return &SalesforceMirror{client: client, caller: caller}
}

// TaskRef is the external reference stamped on the task for entry id.
func TaskRef(id int64) string {
	return "salesrecon:exception:" + strconv.FormatInt(id, 10)
}

var sfPriority = map[model.Priority]string{
	model.PriorityLow:    "Low",
	model.PriorityMedium: "Normal",
	model.PriorityHigh:   "High",
}

func (m *SalesforceMirror) task(ctx context.Context, e model.ExceptionEntry) (salesforce.Task, error) {
	var owner *salesforce.User
	err := m.caller.Do(ctx, "find user", func(ctx context.Context) error {
		var err error
		owner, err = salesforce.FindUserByName(ctx, m.client, e.CurrentRep)
		return err
	})
	if err != nil {
		return salesforce.Task{}, err
	}
	t := salesforce.Task{
		Subject:     fmt.Sprintf("Rep mismatch for %s", e.TaxID),
		Description: e.ActionRequired,
		Priority:    sfPriority[e.Priority],
		ExternalRef: TaskRef(e.ID),
	}
	if owner != nil {
		t.OwnerID = owner.ID
	}
	return t, nil
}

// Publish creates one task per entry in a single collection call.
func (m *SalesforceMirror) Publish(ctx context.Context, entries []model.ExceptionEntry) error {
	tasks := make([]salesforce.Task, 0, len(entries))
	for _, e := range entries {
		t, err := m.task(ctx, e)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	var results []salesforce.CollectionResult
	err := m.caller.Do(ctx, "create tasks", func(ctx context.Context) error {
		var err error
		results, err = salesforce.CreateTasks(ctx, m.client, tasks)
		return err
	})
	if err != nil {
		return err
	}

	failed := 0
	for i, r := range results {
		if !r.Success {
			failed++
			zap.L().Warn("exceptions: task not created",
				zap.Int64("exception_id", entries[i].ID), zap.Strings("errors", r.Errors))
		}
	}
	if failed > 0 {
		return eris.Errorf("%d of %d task(s) rejected", failed, len(results))
	}
	zap.L().Info("exceptions: mirrored to salesforce", zap.Int("tasks", len(results)))
	return nil
}

// Close completes the task of a resolved entry, if one exists.
func (m *SalesforceMirror) Close(ctx context.Context, e *model.ExceptionEntry) error {
	return m.caller.Do(ctx, "complete task", func(ctx context.Context) error {
		task, err := salesforce.FindOpenTaskByRef(ctx, m.client, TaskRef(e.ID))
		if err != nil || task == nil {
			return err
		}
		return salesforce.CompleteTask(ctx, m.client, task.ID,
			fmt.Sprintf("Resolved as %s by %s", e.Resolution, e.ResolvedBy))
	})
}
