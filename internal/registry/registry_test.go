package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalsim/internal/controller"
	"signalsim/internal/domain"
	"signalsim/internal/registry"
)

func newController(t *testing.T, id, name string) *controller.Controller {
	t.Helper()
	c, err := controller.New(id, name, []domain.Phase{
		{Name: "P1", Duration: 5, Signals: domain.Signals{domain.NorthSouth: domain.Green, domain.EastWest: domain.Red}},
		{Name: "P2", Duration: 5, Signals: domain.Signals{domain.NorthSouth: domain.Red, domain.EastWest: domain.Green}},
	})
	require.NoError(t, err)
	return c
}

func TestPutAndGet(t *testing.T) {
	r := registry.New()
	r.Put(newController(t, "abc", "name"))

	got, err := r.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ID())
}

func TestGetMissing(t *testing.T) {
	r := registry.New()
	_, err := r.Get("missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestPutReplaces(t *testing.T) {
	r := registry.New()
	r.Put(newController(t, "abc", "old"))
	r.Put(newController(t, "abc", "new"))

	got, err := r.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name())
	assert.Equal(t, 1, r.Len())
}

func TestListSortedByID(t *testing.T) {
	r := registry.New()
	r.Put(newController(t, "b", "B"))
	r.Put(newController(t, "a", "A"))
	r.Put(newController(t, "c", "C"))

	assert.Equal(t, []domain.IntersectionSummary{
		{ID: "a", Name: "A"},
		{ID: "b", Name: "B"},
		{ID: "c", Name: "C"},
	}, r.List())
}

func TestDelete(t *testing.T) {
	r := registry.New()
	r.Put(newController(t, "abc", "name"))

	require.NoError(t, r.Delete("abc"))
	_, err := r.Get("abc")
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.ErrorIs(t, r.Delete("abc"), registry.ErrNotFound)
}

func TestClear(t *testing.T) {
	r := registry.New()
	r.Put(newController(t, "a", "A"))
	r.Put(newController(t, "b", "B"))
	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List())
}

func TestConcurrentAccess(t *testing.T) {
	r := registry.New()
	controllers := make([]*controller.Controller, 20)
	for i := range controllers {
		id := fmt.Sprintf("x-%d", i%5)
		controllers[i] = newController(t, id, id)
	}
	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *controller.Controller) {
			defer wg.Done()
			r.Put(c)
			_, _ = r.Get(c.ID())
			_ = r.List()
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 5, r.Len())
}
