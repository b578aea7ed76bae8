package openfile

import "context"

// BreakAck is a holder's answer to an oplock break: it either downgraded
// its oplock to NewType or closed the handle outright (Closed set). The
// transport decodes the wire reply into this and hands it to the
// orchestrator; HandleBreakAck finds the parked request's mid through the
// holder entry's OpMid.
type BreakAck struct {
	FileID          FileId
	ServerProcessID uint32
	HandleID        uint64
	NewType         OplockType
	Closed          bool
}

// HandleBreakAck applies a break acknowledgement to the holder's
// ShareEntry and returns the mid of the request that was waiting on it,
// so the transport can replay it. A zero mid means no request was
// correlated (the break was resolved some other way, e.g. the holder
// closed before the break arrived).
//
// Downgrades only go down: a holder cannot answer a break by upgrading
// its oplock, and Batch/Exclusive are not valid break answers.
func (o *Orchestrator) HandleBreakAck(ctx context.Context, ack BreakAck) (uint64, error) {
	if !ack.Closed && ack.NewType != OplockNone && ack.NewType != OplockLevelII {
		return 0, NewStatusError(StatusInvalidParameter, "")
	}

	var replayMid uint64
	err := o.Store.Mutate(ctx, ack.FileID, func(set *ShareModeSet) error {
		for i := range set.Entries {
			e := &set.Entries[i]
			if e.ServerProcessID != ack.ServerProcessID || e.HandleID != ack.HandleID {
				continue
			}
			replayMid = e.OpMid
			if ack.Closed {
				set.RemoveAt(i)
			} else {
				e.OplockType = ack.NewType
				e.OpMid = 0
			}
			return nil
		}
		// The holder may have closed while the ack was in flight; the
		// entry's absence is not an error, the parked request will simply
		// replay clean.
		return nil
	})
	if err != nil {
		return 0, err
	}
	return replayMid, nil
}

// RenameNotification is the broadcast payload emitted when any process
// renames an open file.
type RenameNotification struct {
	FileID    FileId
	SharePath string
	NewPath   PathName
}

// HandleRenameNotification updates every local handle open against the
// renamed FileId on the matching share so later FCB/DENY_DOS lookups and
// diagnostics see the new name. Returns how many handles were updated.
func (o *Orchestrator) HandleRenameNotification(n RenameNotification) int {
	return o.Registry.Rename(n.FileID, n.SharePath, n.NewPath)
}
