package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// User is the subset of a Salesforce User used to assign tasks.
type User struct {
	ID   string `json:"Id" salesforce:"Id"`
	Name string `json:"Name" salesforce:"Name"`
}

// FindUserByName returns the active user with the given full name, or nil.
func FindUserByName(ctx context.Context, c Client, name string) (*User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	soql := fmt.Sprintf(
		"SELECT Id, Name FROM User WHERE Name = '%s' AND IsActive = true LIMIT 1",
		escapeSoql(strings.TrimSpace(name)),
	)

	var users []User
	if err := c.Query(ctx, soql, &users); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find user %s", name))
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

// FindOpenTaskByRef returns the open task carrying ref in its CallObject
// field, or nil.
func FindOpenTaskByRef(ctx context.Context, c Client, ref string) (*TaskRecord, error) {
	soql := fmt.Sprintf(
		"SELECT Id, Subject, Status FROM Task WHERE CallObject = '%s' AND Status != '%s' LIMIT 1",
		escapeSoql(ref), TaskCompleted,
	)

	var tasks []TaskRecord
	if err := c.Query(ctx, soql, &tasks); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find task %s", ref))
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}
