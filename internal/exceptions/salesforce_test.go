package exceptions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/resilience"
	"github.com/sells-group/salesrecon/pkg/salesforce"
)

type sfStub struct {
	queries  []string
	inserted []map[string]any
	updated  map[string]map[string]any
	reject   bool
	queryErr error

	// failQueries fails that many queries before answering.
	failQueries int
}

func (s *sfStub) Query(_ context.Context, soql string, out any) error {
	s.queries = append(s.queries, soql)
	if s.queryErr != nil {
		return s.queryErr
	}
	if s.failQueries > 0 {
		s.failQueries--
		return errors.New("REQUEST_LIMIT_EXCEEDED: TotalRequests Limit exceeded")
	}
	switch v := out.(type) {
	case *[]salesforce.User:
		if strings.Contains(soql, "'Asha'") {
			*v = []salesforce.User{{ID: "005ASHA", Name: "Asha"}}
		}
	case *[]salesforce.TaskRecord:
		*v = []salesforce.TaskRecord{{ID: "00T1", Status: salesforce.TaskOpen}}
	}
	return nil
}

func (s *sfStub) InsertOne(context.Context, string, map[string]any) (string, error) {
	return "00T1", nil
}

func (s *sfStub) InsertCollection(_ context.Context, _ string, records []map[string]any) ([]salesforce.CollectionResult, error) {
	s.inserted = append(s.inserted, records...)
	out := make([]salesforce.CollectionResult, len(records))
	for i := range out {
		out[i].Success = !s.reject
	}
	return out, nil
}

func (s *sfStub) UpdateOne(_ context.Context, _ string, id string, fields map[string]any) error {
	if s.updated == nil {
		s.updated = map[string]map[string]any{}
	}
	s.updated[id] = fields
	return nil
}

func testCaller() *resilience.Caller {
	return resilience.NewCaller("salesforce",
		resilience.Policy{Attempts: 1, Base: time.Millisecond},
		resilience.BreakerConfig{})
}

func TestSalesforceMirror_Publish(t *testing.T) {
	sf := &sfStub{}
	m := NewSalesforceMirror(sf, testCaller())

	err := m.Publish(context.Background(), []model.ExceptionEntry{
		{ID: 7, TaxID: "27ABCDE1234F1Z5", CurrentRep: "Asha", ActionRequired: "Choose rep", Priority: model.PriorityHigh},
		{ID: 8, TaxID: "29PQRSX5678K2Z9", CurrentRep: "Unknown", Priority: model.PriorityMedium},
	})
	require.NoError(t, err)
	require.Len(t, sf.inserted, 2)
	assert.Equal(t, "005ASHA", sf.inserted[0]["OwnerId"])
	assert.Equal(t, "High", sf.inserted[0]["Priority"])
	assert.Equal(t, TaskRef(7), sf.inserted[0]["CallObject"])
	_, hasOwner := sf.inserted[1]["OwnerId"]
	assert.False(t, hasOwner)
}

func TestSalesforceMirror_PublishRejected(t *testing.T) {
	m := NewSalesforceMirror(&sfStub{reject: true}, testCaller())
	err := m.Publish(context.Background(), []model.ExceptionEntry{{ID: 1, CurrentRep: "Asha"}})
	assert.Error(t, err)
}

func TestSalesforceMirror_PublishQueryError(t *testing.T) {
	sf := &sfStub{queryErr: errors.New("INVALID_SESSION_ID")}
	m := NewSalesforceMirror(sf, testCaller())
	assert.Error(t, m.Publish(context.Background(), []model.ExceptionEntry{{ID: 1, CurrentRep: "Asha"}}))
	assert.Empty(t, sf.inserted)
}

func TestSalesforceMirror_RetriesRequestLimit(t *testing.T) {
	sf := &sfStub{failQueries: 1}
	m := NewSalesforceMirror(sf, resilience.NewCaller("salesforce",
		resilience.Policy{Attempts: 2, Base: time.Millisecond},
		resilience.BreakerConfig{}))

	require.NoError(t, m.Publish(context.Background(), []model.ExceptionEntry{{ID: 3, CurrentRep: "Asha"}}))
	assert.Len(t, sf.queries, 2)
	require.Len(t, sf.inserted, 1)
	assert.Equal(t, "005ASHA", sf.inserted[0]["OwnerId"])
}

func TestSalesforceMirror_Close(t *testing.T) {
	sf := &sfStub{}
	m := NewSalesforceMirror(sf, testCaller())

	require.NoError(t, m.Close(context.Background(), &model.ExceptionEntry{ID: 7, Resolution: "adopt", ResolvedBy: "lead"}))
	require.Contains(t, sf.updated, "00T1")
	assert.Equal(t, salesforce.TaskCompleted, sf.updated["00T1"]["Status"])
	assert.Contains(t, sf.updated["00T1"]["Description"], "adopt")
}
