package coordinator

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// idSequence is a process-wide monotonic counter appended to every
// assigned node id after its random UUID prefix (spec §4.3 step 3:
// "128-bit random + monotonic suffix"). The random prefix comes first, so
// ids do not sort in assignment order.
var idSequence uint64

// newNodeID returns a tenant-local opaque node id.
func newNodeID() string {
	seq := atomic.AddUint64(&idSequence, 1)
	return uuid.New().String() + "-" + strconv.FormatUint(seq, 36)
}

// newEventID returns an id for a framed WAL event.
func newEventID() string {
	return uuid.New().String()
}

// newReceiptID returns an id for a coordinator receipt.
func newReceiptID() string {
	return uuid.New().String()
}
