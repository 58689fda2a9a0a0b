package incidents

import (
	"testing"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewEvents() (created, resolved, notified Event) {
	inc := exposureIncident()
	created = newEvent(EventCreated, inc, t0)

	resolvedAt := t0.Add(time.Hour)
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &resolvedAt
	resolved = newEvent(EventResolved, inc, resolvedAt)

	inc.RegulatoryNotificationSent = true
	notified = newEvent(EventUpdated, inc, resolvedAt.Add(time.Hour))
	return created, resolved, notified
}

func TestViewConvergesRegardlessOfOrder(t *testing.T) {
	created, resolved, notified := viewEvents()

	orders := [][]Event{
		{created, resolved, notified},
		{notified, resolved, created},
		{resolved, created, created, notified, resolved},
	}

	for _, order := range orders {
		v := NewView()
		for _, e := range order {
			v.Apply(e)
		}
		got := v.Get("inc-1")
		require.NotNil(t, got)
		assert.Equal(t, models.IncidentResolved, got.Status)
		require.NotNil(t, got.ResolvedAt)
		assert.Equal(t, t0.Add(time.Hour), *got.ResolvedAt)
		assert.True(t, got.RegulatoryNotificationSent)
		assert.Equal(t, 1, v.Len())
	}
}

func TestViewDuplicateIsNoChange(t *testing.T) {
	created, resolved, _ := viewEvents()
	v := NewView()

	assert.True(t, v.Apply(created))
	assert.False(t, v.Apply(created))
	assert.True(t, v.Apply(resolved))
	assert.False(t, v.Apply(resolved))
	assert.False(t, v.Apply(created), "a stale open event never reopens")
}

func TestViewActive(t *testing.T) {
	v := NewView()
	for i, id := range []string{"a", "b", "c"} {
		inc := exposureIncident()
		inc.ID = id
		inc.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		v.Apply(newEvent(EventCreated, inc, inc.CreatedAt))
	}
	closed := exposureIncident()
	closed.ID = "b"
	closed.Status = models.IncidentResolved
	v.Apply(newEvent(EventResolved, closed, t0))

	assert.Equal(t, []string{"c", "a"}, ids(v.Active("F1")))
	assert.Empty(t, v.Active("F2"))
}

func TestViewApplyPayload(t *testing.T) {
	created, _, _ := viewEvents()
	payload, err := created.Encode()
	require.NoError(t, err)

	v := NewView()
	changed, err := v.ApplyPayload(payload)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = v.ApplyPayload([]byte(`{"type":"created","incident":{}}`))
	assert.Error(t, err)
	assert.Nil(t, v.Get("missing"))
}
