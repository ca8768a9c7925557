package transformer

import "context"

// TransformLoopRows applies plan to every row from in and forwards the
// survivors to out. Rejected rows are reported to onReject and freed.
//
// Several loops may share in and out; the caller closes out once every loop
// has returned. On ctx cancellation the loop keeps draining in so upstream
// stages can unwind, dropping rows instead of re-pooling them.
func TransformLoopRows(
	ctx context.Context,
	plan *Plan,
	in <-chan *Row,
	out chan<- *Row,
	onReject func(line int, reason string),
) {
	for r := range in {
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil {
			continue
		}

		if ok, why := plan.Apply(r); !ok {
			if onReject != nil {
				onReject(r.Line, why)
			}
			r.Free()
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}
