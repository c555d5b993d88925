package nav

import (
	"context"
	"log"
)

// Consume calls fn for each item taken from q until ctx is done or q is
// closed. fn errors are logged once per distinct message and never stop
// consumption.
func Consume[T any](ctx context.Context, name string, q *LatestQueue[T], fn func(T) error) {
	lastErr := ""
	for {
		item, err := q.Get(ctx)
		if err != nil {
			return
		}
		if err := fn(item); err != nil {
			if err.Error() != lastErr {
				log.Printf("[NAV] %s consumer: %v", name, err)
				lastErr = err.Error()
			}
			continue
		}
		lastErr = ""
	}
}
