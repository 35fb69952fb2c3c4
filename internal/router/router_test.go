package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxtask/worker/internal/broker"
)

func TestResolveFirstRuleWins(t *testing.T) {
	r := New(Config{
		Rules: []Rule{
			{Pattern: "video.*", Route: Route{Queue: "video"}},
			{Pattern: "*", Route: Route{Queue: "catch-all"}},
		},
		Default: Route{Queue: "celery"},
	})

	assert.Equal(t, "video", r.Resolve("video.transcode").Queue)
	assert.Equal(t, "catch-all", r.Resolve("image.resize").Queue)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := New(Config{Default: Route{Queue: "celery"}})
	assert.Equal(t, "celery", r.Resolve("anything").Queue)
}

func TestPredicateRule(t *testing.T) {
	r := New(Config{
		Rules: []Rule{
			{Match: func(name string) (*Route, bool) {
				if name == "priority_job" {
					return &Route{Queue: "priority"}, true
				}
				return nil, false
			}},
		},
		Default: Route{Queue: "celery"},
	})
	assert.Equal(t, "priority", r.Resolve("priority_job").Queue)
	assert.Equal(t, "celery", r.Resolve("other").Queue)
}

func TestCreateMissingQueuesRegistersDefaultBinding(t *testing.T) {
	r := New(Config{
		Default:             Route{Queue: "newqueue"},
		CreateMissingQueues: true,
	})
	r.Resolve("anything")

	queues := r.ActiveQueues()
	var found *QueueDescriptor
	for i := range queues {
		if queues[i].Name == "newqueue" {
			found = &queues[i]
		}
	}
	if assert.NotNil(t, found) {
		assert.Equal(t, "newqueue", found.Exchange)
		assert.Equal(t, "newqueue", found.BindingKey)
		assert.Equal(t, "newqueue", found.RoutingKey)
		assert.Equal(t, broker.ExchangeDirect, found.ExchangeType)
	}
}

func TestCreateMissingQueuesDisabledLeavesQueueUnregistered(t *testing.T) {
	r := New(Config{Default: Route{Queue: "newqueue"}, CreateMissingQueues: false})
	r.Resolve("anything")
	assert.Empty(t, r.ActiveQueues())
}
