package snsync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snsync "github.com/datamart/snsync"
	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/coerce"
	"github.com/datamart/snsync/config"
	"github.com/datamart/snsync/deltamerge"
	"github.com/datamart/snsync/table"
)

// TestFakeModeEndToEnd drives a column sync and a row merge against the
// in-process instance selected by the sentinel dev configuration.
func TestFakeModeEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Instance = config.FakeInstance

	s, err := snsync.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	f := s.Client.Fake()
	require.NotNil(t, f, "sentinel instance routes to the fake")
	f.Seed("sys_db_object", map[string]string{
		"name": "u_dm_host", "label": "Hosts", "is_extendable": "false",
	})

	ctx := context.Background()

	desired := &table.Spec{Name: "u_dm_host", Label: "Hosts"}
	desired.AddColumn(table.Column{Name: "u_name", Type: "string", Label: "Name", MaxLength: 40})
	plan, err := s.Tables.Sync(ctx, desired, true)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, table.ActionCreate, plan.Actions[0].Kind)

	res, err := s.Rows.Merge(ctx, "u_dm_host",
		[]coerce.Row{
			{"u_name": coerce.String("web-1")},
			{"u_name": coerce.String("web-2")},
		},
		deltamerge.Options{Key: deltamerge.FieldKey("u_name")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsCreated)

	rows, err := s.Client.GetRecords(ctx, "u_dm_host", client.GetRecordsOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFakeModeReadOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Instance = config.FakeInstance
	cfg.ReadOnly = true

	s, err := snsync.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	err = s.Client.CreateRecord(context.Background(), "u_dm_host", map[string]string{"u_name": "x"})
	require.Error(t, err)
}
