package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

func seedContacts(m *backend.Memory, n int) {
	rows := make([]backend.Row, n)
	for i := range rows {
		rows[i] = backend.Row{"id": i + 1, "organization_id": 1000 + (i % 7), "name": "contact"}
	}
	m.Seed("contacts", rows)
	m.CreateTable("contact_organizations")
}

func contactOrgWork() *CopyWork {
	return &CopyWork{
		Phase:     "contact_organizations",
		Source:    "contacts",
		SourceKey: []string{"id"},
		Target:    "contact_organizations",
		TargetKey: []string{"contact_id", "organization_id"},
		Mapping:   map[string]string{"contact_id": "id", "organization_id": "organization_id"},
		Defaults:  map[string]any{"is_primary": true},
		BatchSize: 100,
	}
}

func TestCopyWork_PrepareSizesPhase(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	seedContacts(m, 250)

	plan, err := contactOrgWork().Prepare(ctx, m, true)
	require.NoError(t, err)
	assert.Equal(t, Plan{TotalBatches: 3, TotalRecords: 250}, plan)
}

func TestCopyWork_PrepareRejectsBadBatchSize(t *testing.T) {
	w := contactOrgWork()
	w.BatchSize = 0
	_, err := w.Prepare(context.Background(), backend.NewMemory(), true)
	var ve *migerr.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCopyWork_BatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	seedContacts(m, 300)
	w := contactOrgWork()
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)

	first, err := w.RunBatch(ctx, m, 3)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 100}, first)

	second, err := w.RunBatch(ctx, m, 3)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Skipped: 100}, second)

	n, err := m.Count(ctx, "contact_organizations", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n, "no duplicate relationship rows")

	rows := m.Rows("contact_organizations")
	assert.Equal(t, true, rows[0]["is_primary"], "defaults applied")
	assert.Equal(t, 201, rows[0]["contact_id"], "batch 3 starts at offset 200")
}

func TestCopyWork_PartiallyAppliedBatch(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	seedContacts(m, 100)
	// Half of the batch landed before an interruption.
	for i := 1; i <= 50; i++ {
		m.Seed("contact_organizations", []backend.Row{{"contact_id": i, "organization_id": 1000 + ((i - 1) % 7)}})
	}

	w := contactOrgWork()
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	res, err := w.RunBatch(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 50, Skipped: 50}, res)

	n, err := m.Count(ctx, "contact_organizations", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestCopyWork_NullAndDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("contacts", []backend.Row{
		{"id": 1, "organization_id": 10},
		{"id": 2, "organization_id": nil},
		{"id": 3, "organization_id": 10},
	})
	m.CreateTable("contact_organizations")

	w := &CopyWork{
		Phase: "p", Source: "contacts", SourceKey: []string{"id"},
		Target: "contact_organizations", TargetKey: []string{"organization_id"},
		BatchSize: 10, Strict: true,
	}
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	res, err := w.RunBatch(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Failed: 2}, res)

	err = w.Verify(ctx, m, checkpoint.PhaseState{RecordsProcessed: 1, RecordsFailed: 2, TotalRecords: 3})
	var ce *migerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "2 records")
}

func TestCopyWork_InsertFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	seedContacts(m, 100)
	boom := errors.New("connection reset")
	m.SetInsertHook(func(string, []backend.Row) error { return boom })

	w := contactOrgWork()
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	_, err = w.RunBatch(ctx, m, 1)
	assert.ErrorIs(t, err, boom)

	n, _ := m.Count(ctx, "contact_organizations", nil)
	assert.Zero(t, n)
}

func TestCopyWork_ObserveAndVerify(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	seedContacts(m, 300)
	w := contactOrgWork()
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	for b := 1; b <= 2; b++ {
		_, err := w.RunBatch(ctx, m, b)
		require.NoError(t, err)
	}

	obs, err := w.Observe(ctx, m, checkpoint.PhaseState{CompletedBatches: 2, RecordsProcessed: 200})
	require.NoError(t, err)
	assert.True(t, obs.Consistent())

	// Checkpoint claims a batch that never landed.
	obs, err = w.Observe(ctx, m, checkpoint.PhaseState{CompletedBatches: 3, RecordsProcessed: 300})
	require.NoError(t, err)
	assert.False(t, obs.Consistent())
	assert.Equal(t, int64(300), obs.Expected)
	assert.Equal(t, int64(200), obs.Observed)

	err = w.Verify(ctx, m, checkpoint.PhaseState{RecordsProcessed: 300})
	var ce *migerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "contact_organizations", ce.Table)
}

func TestCopyWork_ResetOnlyOnFirstEntry(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals_backup_1", []backend.Row{{"id": 1}, {"id": 2}})
	m.Seed("deals", []backend.Row{{"id": 99}})

	w := &CopyWork{
		Phase: "data_restore", Source: "deals_backup_1", SourceKey: []string{"id"},
		Target: "deals", TargetKey: []string{"id"}, BatchSize: 10,
		Reset: "TRUNCATE TABLE deals RESTART IDENTITY CASCADE",
	}
	_, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	_, err = w.RunBatch(ctx, m, 1)
	require.NoError(t, err)

	_, err = w.Prepare(ctx, m, false)
	require.NoError(t, err)
	n, _ := m.Count(ctx, "deals", nil)
	assert.Equal(t, int64(2), n)
}

func TestStatementWork(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	w := &StatementWork{
		Phase:        "structure_restore",
		Statements:   []string{"CREATE TABLE deals (id bigint)", "ALTER TABLE deals ADD COLUMN stage text"},
		ExpectTables: []string{"deals"},
	}
	plan, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.TotalBatches)

	err = w.Verify(ctx, m, checkpoint.PhaseState{})
	assert.Error(t, err, "deals does not exist yet")

	for b := 1; b <= plan.TotalBatches; b++ {
		res, err := w.RunBatch(ctx, m, b)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Processed)
	}
	_, err = w.RunBatch(ctx, m, 3)
	assert.Error(t, err)

	require.NoError(t, w.Verify(ctx, m, checkpoint.PhaseState{}))
	obs, err := w.Observe(ctx, m, checkpoint.PhaseState{Status: checkpoint.PhaseCompleted})
	require.NoError(t, err)
	assert.True(t, obs.Consistent())
}

func TestValidationWork(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals", []backend.Row{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}})
	m.Seed("contacts", []backend.Row{{"id": 1}})

	w := &ValidationWork{
		Phase: "validation",
		Targets: []ValidationTarget{
			{Table: "deals", ExpectedCount: 2, Samples: []backend.Row{{"id": 1.0, "name": "a"}}, CompareColumns: []string{"id", "name"}},
			{Table: "contacts", ExpectedCount: 3},
		},
	}
	plan, err := w.Prepare(ctx, m, true)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.TotalBatches)

	res, err := w.RunBatch(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 2}, res)

	res, err = w.RunBatch(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)

	err = w.Verify(ctx, m, checkpoint.PhaseState{})
	var ce *migerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "contacts", ce.Table)
	assert.Equal(t, int64(3), ce.Expected)
	assert.Equal(t, int64(1), ce.Observed)
}

func TestValidationWork_VerifyAfterResume(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals", []backend.Row{{"id": 1}})

	// A fresh instance (as after a restart) still detects the mismatch.
	w := &ValidationWork{Phase: "validation", Targets: []ValidationTarget{{Table: "deals", ExpectedCount: 5}}}
	assert.Error(t, w.Verify(ctx, m, checkpoint.PhaseState{CompletedBatches: 1}))
}

func TestValidationWork_SampleMismatchSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals", []backend.Row{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}})
	m.Seed("contacts", []backend.Row{{"id": 1}})

	targets := func() []ValidationTarget {
		return []ValidationTarget{
			{Table: "deals", ExpectedCount: 2, Samples: []backend.Row{{"id": int64(9), "name": "missing"}}},
			{Table: "contacts", ExpectedCount: 1},
		}
	}

	before := &ValidationWork{Phase: "validation", Targets: targets()}
	res, err := before.RunBatch(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Failed: 1}, res)

	// The process stops here; a new one runs the remaining batch.
	after := &ValidationWork{Phase: "validation", Targets: targets()}
	res, err = after.RunBatch(ctx, m, 2)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1}, res)

	err = after.Verify(ctx, m, checkpoint.PhaseState{CompletedBatches: 2, RecordsProcessed: 2, RecordsFailed: 1})
	var ce *migerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "deals", ce.Table)
	assert.Contains(t, ce.Reason, "sample 1 matched 0 rows")
}

func TestValidationWork_ComparesWholeSample(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals", []backend.Row{{"id": 1, "name": "changed", "amount": 10.5, "meta": map[string]any{"k": "v"}}})

	w := &ValidationWork{Phase: "validation", Targets: []ValidationTarget{{
		Table:         "deals",
		ExpectedCount: 1,
		Samples:       []backend.Row{{"id": int64(1), "name": "Acme renewal", "amount": 10.5, "meta": map[string]any{"k": "v"}}},
	}}}
	res, err := w.RunBatch(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed, "non-key column differs")

	keyed := &ValidationWork{Phase: "validation", Targets: []ValidationTarget{{
		Table:          "deals",
		ExpectedCount:  1,
		Samples:        w.Targets[0].Samples,
		CompareColumns: []string{"id"},
	}}}
	require.NoError(t, keyed.Verify(ctx, m, checkpoint.PhaseState{}))

	restored := backend.NewMemory()
	restored.Seed("deals", []backend.Row{{"id": 1, "name": "Acme renewal", "amount": 10.25, "meta": map[string]any{"k": "x"}}})
	require.NoError(t, w.Verify(ctx, restored, checkpoint.PhaseState{}), "floats and documents are not compared")
}

func TestSequence(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Seed("deals_backup", []backend.Row{{"id": 1}, {"id": 2}, {"id": 3}})
	m.Seed("notes_backup", []backend.Row{{"id": 1}})
	m.CreateTable("deals")
	m.CreateTable("notes")

	seq := NewSequence(
		&CopyWork{Phase: "data_restore", Source: "deals_backup", SourceKey: []string{"id"}, Target: "deals", TargetKey: []string{"id"}, BatchSize: 2},
		&CopyWork{Phase: "data_restore", Source: "notes_backup", SourceKey: []string{"id"}, Target: "notes", TargetKey: []string{"id"}, BatchSize: 2},
	)
	plan, err := seq.Prepare(ctx, m, true)
	require.NoError(t, err)
	assert.Equal(t, Plan{TotalBatches: 3, TotalRecords: 4}, plan)

	var total BatchResult
	for b := 1; b <= plan.TotalBatches; b++ {
		res, err := seq.RunBatch(ctx, m, b)
		require.NoError(t, err)
		total.Add(res)
	}
	assert.Equal(t, BatchResult{Processed: 4}, total)
	_, err = seq.RunBatch(ctx, m, 4)
	assert.Error(t, err)

	ps := checkpoint.PhaseState{Status: checkpoint.PhaseInProgress, TotalBatches: 3, CompletedBatches: 3, RecordsProcessed: 4}
	require.NoError(t, seq.Verify(ctx, m, ps))
	obs, err := seq.Observe(ctx, m, ps)
	require.NoError(t, err)
	assert.True(t, obs.Consistent())

	// A resumed sequence prepared without setup maps batches identically.
	again := NewSequence(seq.Works...)
	_, err = again.Prepare(ctx, m, false)
	require.NoError(t, err)
	res, err := again.RunBatch(ctx, m, 3)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Skipped: 1}, res)
}
