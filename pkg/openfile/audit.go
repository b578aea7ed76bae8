package openfile

import (
	"context"
	"fmt"
)

// AuditViolation describes one consistency failure found by Auditor.Check.
type AuditViolation struct {
	FileID FileId
	Rule   string
	Detail string
}

func (v AuditViolation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.FileID, v.Rule, v.Detail)
}

// Audit rule identifiers, stable for log/metric aggregation.
const (
	RuleDualExclusive    = "dual_exclusive"
	RuleExclusiveLevelII = "exclusive_levelii_mix"
	RuleOrphanEntry      = "orphan_entry"
	RuleConflictingEntry = "conflicting_entries"
)

// Auditor is an optional developer-validation capability: it iterates live
// ShareModeSets and checks the structural rules the arbitration relies on,
// returning findings instead of aborting the process. Enable it in
// non-production builds or behind a config flag; never in the hot path of
// CreateFile itself.
type Auditor struct {
	Store    ShareStore
	Registry *Registry
}

// NewAuditor builds an Auditor against the orchestrator's collaborators.
func NewAuditor(o *Orchestrator) *Auditor {
	return &Auditor{Store: o.Store, Registry: o.Registry}
}

// Check validates the ShareModeSet for id and returns every violation
// found. A nil/empty result means the set is consistent.
func (a *Auditor) Check(ctx context.Context, id FileId) ([]AuditViolation, error) {
	set, err := a.Store.Peek(ctx, id)
	if err != nil {
		if err == ErrShareSetNotFound {
			return nil, nil
		}
		return nil, err
	}
	return a.checkSet(set), nil
}

func (a *Auditor) checkSet(set *ShareModeSet) []AuditViolation {
	var violations []AuditViolation

	exclusiveLike := 0
	hasLevelII := false
	for _, e := range set.Entries {
		if e.OplockType.IsExclusiveLike() {
			exclusiveLike++
		}
		if e.OplockType == OplockLevelII || e.OplockType == OplockFakeLevelII {
			hasLevelII = true
		}
	}

	if exclusiveLike > 1 {
		violations = append(violations, AuditViolation{
			FileID: set.FileID, Rule: RuleDualExclusive,
			Detail: fmt.Sprintf("%d exclusive/batch entries", exclusiveLike),
		})
	}

	if exclusiveLike > 0 && hasLevelII {
		violations = append(violations, AuditViolation{
			FileID: set.FileID, Rule: RuleExclusiveLevelII,
			Detail: "exclusive/batch entry coexists with a LevelII entry",
		})
	}

	// A non-deferred entry is reported when this process has FSPs open on
	// the file and none of them carries the entry's HandleID. Files with
	// no local FSP are skipped. Entries are not filtered by
	// ServerProcessID, so another process's entry on a file that is also
	// open here is reported as well.
	for _, e := range set.Entries {
		if e.IsDeferred() {
			continue
		}
		fsps := a.Registry.ByFile(set.FileID)
		found := false
		for _, fsp := range fsps {
			if fsp.HandleID == e.HandleID {
				found = true
				break
			}
		}
		if !found && len(fsps) > 0 {
			violations = append(violations, AuditViolation{
				FileID: set.FileID, Rule: RuleOrphanEntry,
				Detail: fmt.Sprintf("entry handle %d has no local FSP", e.HandleID),
			})
		}
	}

	// Any pair of live entries that the conflict predicate would have
	// rejected means an open slipped past arbitration.
	for i := 0; i < len(set.Entries); i++ {
		if set.Entries[i].IsDeferred() {
			continue
		}
		for j := i + 1; j < len(set.Entries); j++ {
			if set.Entries[j].IsDeferred() {
				continue
			}
			if conflicts(set.Entries[i], set.Entries[j].AccessMask, set.Entries[j].ShareAccess, set.Entries[i].ShareAccess) {
				violations = append(violations, AuditViolation{
					FileID: set.FileID, Rule: RuleConflictingEntry,
					Detail: fmt.Sprintf("entries %d and %d conflict", set.Entries[i].HandleID, set.Entries[j].HandleID),
				})
			}
		}
	}

	return violations
}
