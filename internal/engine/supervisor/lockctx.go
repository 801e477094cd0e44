package supervisor

import "context"

// lockCtxKey carries the set of instance ids whose lock the current call
// chain already holds, making instance locking safely reentrant across
// nested call-activity parent/child drives within one logical operation.
type lockCtxKey struct{}

func heldLocks(ctx context.Context) map[string]bool {
	if v, ok := ctx.Value(lockCtxKey{}).(map[string]bool); ok {
		return v
	}
	return nil
}

func withHeldLock(ctx context.Context, instanceID string) context.Context {
	prev := heldLocks(ctx)
	next := make(map[string]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[instanceID] = true
	return context.WithValue(ctx, lockCtxKey{}, next)
}

// withInstanceLock runs fn holding instanceID's lock, unless the current call
// chain already holds it (a parent instance driving a child's completion
// back into itself), in which case fn runs directly.
func (sv *Supervisor) withInstanceLock(ctx context.Context, instanceID string, fn func(context.Context) error) error {
	if heldLocks(ctx)[instanceID] {
		return fn(ctx)
	}
	unlock, err := sv.locker.Lock(ctx, instanceID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(withHeldLock(ctx, instanceID))
}
