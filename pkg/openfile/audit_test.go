package openfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditCleanSet(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	res, err := h.orch.CreateFile(ctx, openRequest(1, "ok.txt"))
	require.NoError(t, err)

	auditor := NewAuditor(h.orch)
	violations, err := auditor.Check(ctx, res.FSP.FileID)
	require.NoError(t, err)
	assert.Empty(t, violations)

	// An unknown FileId is clean by definition.
	violations, err = auditor.Check(ctx, FileId{Device: 99, Inode: 99})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestAuditFlagsCorruptedSets(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	// Hand-corrupt a set the way no orchestrator path would: two
	// exclusive-like holders plus a level II alongside them.
	id := FileId{Device: 5, Inode: 5}
	require.NoError(t, h.store.Mutate(ctx, id, func(set *ShareModeSet) error {
		set.Entries = append(set.Entries,
			ShareEntry{ServerProcessID: 1, HandleID: 1, OplockType: OplockBatch, AccessMask: FileReadData, ShareAccess: FileShareRead | FileShareWrite | FileShareDelete},
			ShareEntry{ServerProcessID: 1, HandleID: 2, OplockType: OplockExclusive, AccessMask: FileReadData, ShareAccess: FileShareRead | FileShareWrite | FileShareDelete},
			ShareEntry{ServerProcessID: 1, HandleID: 3, OplockType: OplockLevelII, AccessMask: FileReadData, ShareAccess: FileShareRead | FileShareWrite | FileShareDelete},
		)
		return nil
	}))

	auditor := NewAuditor(h.orch)
	violations, err := auditor.Check(ctx, id)
	require.NoError(t, err)

	rules := make(map[string]bool)
	for _, v := range violations {
		rules[v.Rule] = true
	}
	assert.True(t, rules[RuleExclusiveLevelII], "exclusive coexisting with level II must be flagged")
	assert.True(t, rules[RuleDualExclusive], "two exclusive-like holders must be flagged")
}

func TestAuditFlagsShareConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()

	id := FileId{Device: 6, Inode: 6}
	require.NoError(t, h.store.Mutate(ctx, id, func(set *ShareModeSet) error {
		set.Entries = append(set.Entries,
			ShareEntry{ServerProcessID: 1, HandleID: 1, AccessMask: FileWriteData, ShareAccess: FileShareRead},
			ShareEntry{ServerProcessID: 1, HandleID: 2, AccessMask: FileWriteData, ShareAccess: FileShareRead},
		)
		return nil
	}))

	auditor := NewAuditor(h.orch)
	violations, err := auditor.Check(ctx, id)
	require.NoError(t, err)

	found := false
	for _, v := range violations {
		if v.Rule == RuleConflictingEntry {
			found = true
		}
	}
	assert.True(t, found, "mutually conflicting live entries must be flagged")
}
