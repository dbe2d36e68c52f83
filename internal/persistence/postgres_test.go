package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ruleflow/internal/rules"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestPostgresStore_SaveRules(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	r := rules.Rule{
		ID: "r1", Name: "one", Enabled: true, Tags: []string{"a", "b"},
		Trigger:   rules.Trigger{Kind: rules.TriggerEvent, Value: "order.paid"},
		Actions:   []rules.Action{{Type: rules.ActionSetFact, Key: "k", Value: rules.Lit(1)}},
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ruleflow_rules").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ruleflow_rules").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRules(context.Background(), []rules.Rule{r}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadRules(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "name", "priority", "enabled", "tags", "group_id", "trigger",
		"requirements", "conditions", "actions", "version", "created_at", "updated_at",
	}).AddRow(
		"r1", "one", 0, true, "{a,b}", "", `{"kind":"event","value":"order.paid"}`,
		`[]`, `[]`, `[{"type":"set_fact","key":"k","value":{"literal":1}}]`, 0, now, now,
	)
	mock.ExpectQuery("SELECT (.|\n)*FROM ruleflow_rules").WillReturnRows(rows)

	got, err := s.LoadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r1", got[0].ID)
	require.Equal(t, []string{"a", "b"}, got[0].Tags)
	require.Equal(t, rules.TriggerEvent, got[0].Trigger.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveGroups(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	g := rules.Group{ID: "g1", Name: "one", Enabled: true, CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ruleflow_groups").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ruleflow_groups").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveGroups(context.Background(), []rules.Group{g}))
	require.NoError(t, mock.ExpectationsWereMet())
}
