package workflow

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	t.Run("按类型订阅", func(t *testing.T) {
		bus := NewEventBus(8, nil)
		all := bus.Subscribe()
		completed := bus.Subscribe(EventWorkflowCompleted, EventWorkflowRejected)
		defer all.Close()
		defer completed.Close()

		bus.Publish(Event{Type: EventStageEntered, InstanceID: "i-1"})
		bus.Publish(Event{Type: EventWorkflowCompleted, InstanceID: "i-1"})

		assert.Len(t, drain(all), 2)
		got := drain(completed)
		require.Len(t, got, 1)
		assert.Equal(t, EventWorkflowCompleted, got[0].Type)
	})

	t.Run("订阅者处理不过来时丢弃, 不阻塞发布", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		bus := NewEventBus(1, metrics)
		sub := bus.Subscribe()
		defer sub.Close()
		for i := 0; i < 3; i++ {
			bus.Publish(Event{Type: EventStageEntered})
		}
		assert.Len(t, drain(sub), 1)
		assert.Equal(t, int64(2), bus.Dropped())
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsDropped))
	})

	t.Run("订阅方拿到独立的值", func(t *testing.T) {
		bus := NewEventBus(4, nil)
		a := bus.Subscribe()
		b := bus.Subscribe()
		defer a.Close()
		defer b.Close()
		bus.Publish(Event{Type: EventWorkflowCompleted, NotifyRoles: []string{"requester"}})
		ea := <-a.C
		eb := <-b.C
		ea.NotifyRoles[0] = "mallory"
		assert.Equal(t, "requester", eb.NotifyRoles[0])
	})

	t.Run("取消订阅", func(t *testing.T) {
		bus := NewEventBus(4, nil)
		sub := bus.Subscribe()
		sub.Close()
		sub.Close()
		_, ok := <-sub.C
		assert.False(t, ok, "关闭之后 channel 关闭")
		assert.NotPanics(t, func() { bus.Publish(Event{Type: EventStageEntered}) })
	})

	t.Run("并发发布和取消订阅", func(t *testing.T) {
		bus := NewEventBus(0, nil)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			sub := bus.Subscribe()
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					bus.Publish(Event{Type: EventStageEntered})
				}
			}()
			go func() {
				defer wg.Done()
				sub.Close()
			}()
		}
		wg.Wait()
	})
}
