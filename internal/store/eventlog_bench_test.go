package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rendis/chanops/pkg/schema"
)

func newBenchStore(b *testing.B) *EventLog {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return NewEventLog(s)
}

func benchEvent(collection string, i int) schema.ChangeEvent {
	return schema.ChangeEvent{
		Collection: collection,
		Channel:    fmt.Sprintf("ch%d", i%10),
		Type:       schema.ChangeKeyValue,
		Time:       float64(i) / 24,
		Payload:    map[string]any{"value": float64(i)},
	}
}

func BenchmarkEventPublish_Sequential(b *testing.B) {
	el := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = el.Publish(ctx, benchEvent("obj", i))
	}
}

func BenchmarkEventPublish_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			el := newBenchStore(b)
			ctx := context.Background()
			perWriter := max(b.N/writers, 1)

			b.ResetTimer()
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(collection string) {
					defer wg.Done()
					for j := 0; j < perWriter; j++ {
						_ = el.Publish(ctx, benchEvent(collection, j))
					}
				}(fmt.Sprintf("coll%d", w))
			}
			wg.Wait()
		})
	}
}

func BenchmarkEventReplay(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			el := newBenchStore(b)
			ctx := context.Background()
			for i := 0; i < count; i++ {
				_ = el.Publish(ctx, benchEvent("obj", i))
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = el.ReplayEvents(ctx, "obj")
			}
		})
	}
}
