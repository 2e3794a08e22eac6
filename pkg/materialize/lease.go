package materialize

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tracelake/tracelake/internal/model"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// leaseTable serializes materialization per (view, key, bucket) and
// coalesces concurrent requesters onto one in-flight computation. All
// waiters observe the same result, which is why this is a fan-in over a
// shared flight rather than a mutex.
type leaseTable struct {
	group singleflight.Group

	// wait bounds how long a waiter blocks on someone else's flight.
	wait time.Duration
}

func newLeaseTable(wait time.Duration) *leaseTable {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &leaseTable{wait: wait}
}

// leaseKey identifies one materialization unit.
func leaseKey(view, key string, bucketStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", view, key, bucketStart.UTC().UnixNano())
}

// do runs fn under the lease, or joins an in-flight run of the same
// lease and shares its result. The flight itself is never cancelled by
// a departing waiter: it completes and populates the caches for the
// next caller. A waiter that outlives the wait bound gets LeaseTimeout.
func (l *leaseTable) do(ctx context.Context, key string, fn func() (*model.Partition, error)) (*model.Partition, error) {
	ch := l.group.DoChan(key, func() (interface{}, error) {
		return fn()
	})

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		part, _ := res.Val.(*model.Partition)
		return part, nil
	case <-timer.C:
		return nil, lkerrors.LeaseTimeout(key)
	case <-ctx.Done():
		return nil, lkerrors.Wrap(ctx.Err(), lkerrors.CodeContextCanceled, "caller gave up waiting for lease").
			WithContext("lease", key)
	}
}
