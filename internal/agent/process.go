package agent

import "context"

// ProcessHook is told when an agent or test subprocess starts and exits. The
// pid is also the process group id, since every subprocess leads its own group.
type ProcessHook func(pgid int, running bool)

type processHookKey struct{}

// WithProcessHook attaches hook to ctx so executors and test runners report
// the subprocesses they start.
func WithProcessHook(ctx context.Context, hook ProcessHook) context.Context {
	return context.WithValue(ctx, processHookKey{}, hook)
}

func notifyProcess(ctx context.Context, pid int, running bool) {
	if hook, ok := ctx.Value(processHookKey{}).(ProcessHook); ok && hook != nil {
		hook(pid, running)
	}
}
