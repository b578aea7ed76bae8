package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fenwickfs/fenwick/internal/breaktransport"
	"github.com/fenwickfs/fenwick/pkg/openfile"
	"github.com/fenwickfs/fenwick/pkg/openfile/localvfs"
	memorystore "github.com/fenwickfs/fenwick/pkg/openfile/sharestore/memory"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the arbitration core against a temporary directory",
	Long: `Drive the open orchestrator through its arbitration scenarios
against a throwaway directory: sharing violations, batch-oplock breaks,
delete-pending rejection, create collisions, DENY_DOS handle duplication,
and wildcard rejection. Prints one line per scenario and exits nonzero if
any fails.`,
	RunE: runSelftest,
}

type selftestEnv struct {
	orch       *openfile.Orchestrator
	dispatcher *breaktransport.Dispatcher
	pid        uint32
}

func runSelftest(cmd *cobra.Command, args []string) error {
	dir, err := os.MkdirTemp("", "fenwickd-selftest-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	vfs, err := localvfs.New(dir)
	if err != nil {
		return err
	}

	dispatcher := breaktransport.NewDispatcher()
	orch := openfile.NewOrchestrator(vfs, memorystore.New(), dispatcher, nil)
	env := &selftestEnv{orch: orch, dispatcher: dispatcher, pid: uint32(os.Getpid())}

	scenarios := []struct {
		name string
		run  func(context.Context, *selftestEnv) error
	}{
		{"write/write sharing violation", checkSharingViolation},
		{"batch oplock break and replay", checkBatchBreak},
		{"delete-pending rejection", checkDeletePending},
		{"create collision", checkCreateCollision},
		{"deny-dos handle duplication", checkDenyDOSDuplication},
		{"wildcard rejection", checkWildcardReject},
	}

	ctx := cmd.Context()
	failed := 0
	for _, sc := range scenarios {
		if err := sc.run(ctx, env); err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", sc.name, err)
			continue
		}
		fmt.Printf("ok    %s\n", sc.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return nil
}

func (e *selftestEnv) request(mid uint64, path string) openfile.CreateRequest {
	return openfile.CreateRequest{
		Mid:             mid,
		VUID:            1,
		PID:             e.pid,
		ServerProcessID: e.pid,
		Path:            openfile.ParsePathName(path),
		AccessMask:      openfile.FileReadData,
		ShareAccess:     openfile.FileShareRead | openfile.FileShareWrite | openfile.FileShareDelete,
		Disposition:     openfile.FileOpenIf,
		LevelIICapable:  true,
	}
}

func expectStatus(err error, want openfile.Status) error {
	if got := openfile.StatusOf(err); got != want {
		return fmt.Errorf("expected %v, got %v (err=%v)", want, got, err)
	}
	return nil
}

func checkSharingViolation(ctx context.Context, e *selftestEnv) error {
	a := e.request(10, "conflict.dat")
	a.AccessMask = openfile.FileWriteData
	a.ShareAccess = openfile.FileShareRead
	resA, err := e.orch.CreateFile(ctx, a)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, resA.FSP)

	b := e.request(11, "conflict.dat")
	b.AccessMask = openfile.FileWriteData
	b.Disposition = openfile.FileOpen
	_, err = e.orch.CreateFile(ctx, b)
	if serr := expectStatus(err, openfile.StatusSharingViolation); serr != nil {
		return serr
	}
	e.orch.Deferred.Remove(11)
	return nil
}

func checkBatchBreak(ctx context.Context, e *selftestEnv) error {
	// Auto-acknowledge breaks the way a well-behaved client would.
	e.dispatcher.Register(e.pid, func(ctx context.Context, target openfile.ShareEntry, newType openfile.OplockType, mid uint64) error {
		_, err := e.orch.HandleBreakAck(ctx, openfile.BreakAck{
			FileID:          target.FileID,
			ServerProcessID: target.ServerProcessID,
			HandleID:        target.HandleID,
			NewType:         newType,
		})
		return err
	})
	defer e.dispatcher.Unregister(e.pid)

	a := e.request(20, "cached.bin")
	a.OplockRequested = openfile.OplockBatch
	resA, err := e.orch.CreateFile(ctx, a)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, resA.FSP)
	if resA.FSP.OplockType != openfile.OplockBatch {
		return fmt.Errorf("expected batch grant, got %v", resA.FSP.OplockType)
	}

	b := e.request(21, "cached.bin")
	b.Disposition = openfile.FileOpen
	b.OplockRequested = openfile.OplockExclusive
	_, err = e.orch.CreateFile(ctx, b)
	if serr := expectStatus(err, openfile.StatusSharingViolation); serr != nil {
		return serr
	}

	// The ack already landed synchronously; the replay must succeed at
	// level II.
	resB, err := e.orch.CreateFile(ctx, b)
	if err != nil {
		return fmt.Errorf("replay after break ack: %w", err)
	}
	defer e.orch.CloseFile(ctx, resB.FSP)
	if resB.FSP.OplockType != openfile.OplockLevelII {
		return fmt.Errorf("expected level II after break, got %v", resB.FSP.OplockType)
	}
	return nil
}

func checkDeletePending(ctx context.Context, e *selftestEnv) error {
	a := e.request(30, "doomed.txt")
	a.AccessMask = openfile.GenericAll
	a.Options = openfile.FileDeleteOnClose
	resA, err := e.orch.CreateFile(ctx, a)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, resA.FSP)

	_, err = e.orch.CreateFile(ctx, e.request(31, "doomed.txt"))
	return expectStatus(err, openfile.StatusDeletePending)
}

func checkCreateCollision(ctx context.Context, e *selftestEnv) error {
	first := e.request(40, "exclusive.txt")
	first.Disposition = openfile.FileCreate
	res, err := e.orch.CreateFile(ctx, first)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, res.FSP)
	if res.Info != openfile.FileWasCreated {
		return fmt.Errorf("expected FileWasCreated, got %v", res.Info)
	}

	second := e.request(41, "exclusive.txt")
	second.Disposition = openfile.FileCreate
	_, err = e.orch.CreateFile(ctx, second)
	return expectStatus(err, openfile.StatusObjectNameCollision)
}

func checkDenyDOSDuplication(ctx context.Context, e *selftestEnv) error {
	a := e.request(50, "legacy.exe")
	a.AccessMask = openfile.FileWriteData
	a.ShareAccess = 0
	a.PrivateOptions = openfile.PrivateOptionDenyDOS
	resA, err := e.orch.CreateFile(ctx, a)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, resA.FSP)

	b := e.request(51, "legacy.exe")
	b.Disposition = openfile.FileOpen
	b.AccessMask = openfile.FileWriteData | openfile.DeleteAccess
	b.PrivateOptions = openfile.PrivateOptionDenyDOS
	resB, err := e.orch.CreateFile(ctx, b)
	if err != nil {
		return err
	}
	defer e.orch.CloseFile(ctx, resB.FSP)

	if resB.FSP.FD != resA.FSP.FD {
		return fmt.Errorf("expected duplicated handle to share the fd")
	}
	return nil
}

func checkWildcardReject(ctx context.Context, e *selftestEnv) error {
	req := e.request(60, "glob*name.txt")
	req.Disposition = openfile.FileCreate
	_, err := e.orch.CreateFile(ctx, req)
	return expectStatus(err, openfile.StatusObjectNameInvalid)
}
