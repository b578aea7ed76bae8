package openfile

import "context"

// CloseFile implements the close half of the handle lifecycle: removes
// fsp's ShareEntry, applies initial_delete_on_close if set, and releases
// the fd. If fsp
// duplicated another handle's fd (BaseFSP set, via FCB/DENY_DOS), the
// underlying fd is only closed once its last duplicate is gone.
func (o *Orchestrator) CloseFile(ctx context.Context, fsp *FSP) error {
	if o.Metrics != nil {
		reason := "close"
		if fsp.InitialDeleteOnClose {
			reason = "delete_on_close"
		}
		o.Metrics.ObserveClose(reason)
	}
	o.Registry.Remove(fsp)

	var unlinkAfter bool
	err := o.Store.Mutate(ctx, fsp.FileID, func(set *ShareModeSet) error {
		set.Remove(fsp.ServerProcessID, fsp.HandleID)
		if fsp.InitialDeleteOnClose {
			set.DeleteOnClose = true
		}
		if set.DeleteOnClose && set.IsEmpty() {
			unlinkAfter = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if fsp.FD >= 0 {
		for _, other := range o.Registry.ByFile(fsp.FileID) {
			if other.FD == fsp.FD {
				// Duplicated handle: another FSP still uses the shared
				// fd, so the last one of them to close releases it.
				return nil
			}
		}
	}

	if fsp.FD >= 0 {
		if closeErr := o.VFS.Close(ctx, fsp.FD); closeErr != nil {
			return closeErr
		}
	}

	if unlinkAfter && !fsp.IsDirectory {
		return o.VFS.Unlink(ctx, PathName{Base: fsp.Path.Base})
	}
	return nil
}
