package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribersCalledInRegistrationOrder(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(TopicDeviceAdded, func(payload interface{}) { order = append(order, "first") })
	b.Subscribe(TopicDeviceAdded, func(payload interface{}) { order = append(order, "second") })

	b.Publish(TopicDeviceAdded, "1-1")
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	b := New()
	var gotAdded, gotRemoved int
	b.Subscribe(TopicDeviceAdded, func(payload interface{}) { gotAdded++ })
	b.Subscribe(TopicDeviceRemoved, func(payload interface{}) { gotRemoved++ })

	b.Publish(TopicDeviceAdded, "1-1")
	require.Equal(t, 1, gotAdded)
	require.Equal(t, 0, gotRemoved)
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Publish(TopicUpdated, nil) })
}
