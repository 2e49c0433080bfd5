package pubsub

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestCarrierRoundTrip(t *testing.T) {
	c := &pubsubCarrier{attrs: map[string]string{"kind": "fleet.grow"}}

	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))

	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"kind", "traceparent"}, keys)
}

func TestCarrierCarriesTraceContext(t *testing.T) {
	attrs := make(map[string]string)
	prop := propagation.TraceContext{}

	prop.Inject(context.Background(), &pubsubCarrier{attrs: attrs})
	out := prop.Extract(context.Background(), &pubsubCarrier{attrs: attrs})
	require.NotNil(t, out)
}

func TestPublishRequiresConfiguredPublisher(t *testing.T) {
	p := New(nil)
	_, err := p.Publish(context.Background(), "events", map[string]string{"kind": "fleet.grow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
