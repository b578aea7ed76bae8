package openfile

import "strings"

// wildcardGlyphs are the Microsoft-special characters forbidden in the
// base name of a newly created file.
const wildcardGlyphs = `"*<>?`

// denyDOSSuffixes trigger DENY_DOS sharing relaxation for legacy
// executable formats, a DOS/OS2 compatibility quirk kept intact.
var denyDOSSuffixes = []string{".com", ".exe", ".dll", ".sym"}

// DispositionPlan is the disposition engine's output: the open(2)-level
// flags to apply plus
// whatever bookkeeping the orchestrator needs once the share-mode is
// locked in.
type DispositionPlan struct {
	Flags      OpenFlags
	ClearADS   bool
	WillCreate bool
	// RequireDelete is set for SUPERSEDE: per the honored
	// SUPERSEDE/OVERWRITE_IF distinction, superseding an existing file
	// requires DELETE access and is carried out as delete-then-recreate
	// rather than open+truncate.
	RequireDelete bool
	Info          InfoCode
}

// ResolveDisposition maps create_disposition and existence to an open
// plan. It does not touch the filesystem; the orchestrator executes the
// returned plan after the share-mode lease is held.
func ResolveDisposition(disp CreateDisposition, exists bool, path PathName, posixSemantics bool, readOnlyShare bool) (DispositionPlan, error) {
	if !posixSemantics && !exists {
		if err := rejectWildcard(path.Base); err != nil {
			return DispositionPlan{}, err
		}
	}

	var plan DispositionPlan

	switch disp {
	case FileSupersede:
		if exists {
			plan = DispositionPlan{Flags: OpenCreate | OpenTruncate, ClearADS: true, RequireDelete: true, Info: FileWasSuperseded}
		} else {
			plan = DispositionPlan{Flags: OpenCreate, WillCreate: true, Info: FileWasCreated}
		}
	case FileOverwriteIf:
		if exists {
			plan = DispositionPlan{Flags: OpenCreate | OpenTruncate, ClearADS: true, Info: FileWasOverwritten}
		} else {
			plan = DispositionPlan{Flags: OpenCreate, WillCreate: true, Info: FileWasCreated}
		}
	case FileOpen:
		if !exists {
			return DispositionPlan{}, NewStatusError(StatusObjectNameNotFound, path.String())
		}
		plan = DispositionPlan{Info: FileWasOpened}
	case FileOverwrite:
		if !exists {
			return DispositionPlan{}, NewStatusError(StatusObjectNameNotFound, path.String())
		}
		plan = DispositionPlan{Flags: OpenTruncate, ClearADS: true, Info: FileWasOverwritten}
	case FileCreate:
		if exists {
			return DispositionPlan{}, NewStatusError(StatusObjectNameCollision, path.String())
		}
		plan = DispositionPlan{Flags: OpenCreate | OpenExclusive, WillCreate: true, Info: FileWasCreated}
	case FileOpenIf:
		if exists {
			plan = DispositionPlan{Info: FileWasOpened}
		} else {
			plan = DispositionPlan{Flags: OpenCreate, WillCreate: true, Info: FileWasCreated}
		}
	default:
		return DispositionPlan{}, NewStatusError(StatusInvalidParameter, path.String())
	}

	if readOnlyShare {
		if plan.WillCreate || plan.Flags.Has(OpenTruncate) || plan.RequireDelete {
			return DispositionPlan{}, NewStatusError(StatusAccessDenied, path.String())
		}
		plan.Flags &^= OpenCreate | OpenTruncate
	}

	return plan, nil
}

// rejectWildcard implements the wildcard-glyph check: forbidden in the
// base name of a newly created file, bypassed under POSIX semantics.
func rejectWildcard(base string) error {
	if strings.ContainsAny(base, wildcardGlyphs) {
		return NewStatusError(StatusObjectNameInvalid, base)
	}
	return nil
}

// WantsDenyDOSRelaxation reports whether path's extension is one of the
// legacy executable suffixes that trigger DENY_DOS sharing relaxation.
func WantsDenyDOSRelaxation(path PathName) bool {
	lower := strings.ToLower(path.Base)
	for _, suffix := range denyDOSSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// AttributesCompatible implements the attribute-match check for OVERWRITE
// and OVERWRITE_IF: the non-archive bits of the old attributes must be a
// subset of the new attributes, or the open fails ACCESS_DENIED.
func AttributesCompatible(old, new FileAttributes) bool {
	const archiveBit = FileAttributeArchive
	oldBits := old &^ archiveBit
	return oldBits&^new == 0
}
