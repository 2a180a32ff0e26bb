package safe_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autom8ter/docsync/internal/safe"
	"github.com/autom8ter/docsync/model"
)

func TestMap(t *testing.T) {
	m := safe.NewMap[model.TargetID, model.DocumentKeySet](nil)
	assert.False(t, m.Exists(1))
	_, ok := m.Get(1)
	assert.False(t, ok)
	for i := 0; i < 10; i++ {
		m.Set(model.TargetID(i), model.NewDocumentKeySet())
	}
	assert.Equal(t, 10, m.Len())
	t.Run("set func", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m.SetFunc(3, func(keys model.DocumentKeySet) model.DocumentKeySet {
					next := keys.Clone()
					next.Add(model.DocumentKey("docs/" + string(rune('a'+i%26)) + string(rune('a'+i/26))))
					return next
				})
			}(i)
		}
		wg.Wait()
		keys, ok := m.Get(3)
		assert.True(t, ok)
		assert.Equal(t, 50, keys.Len())
	})
	t.Run("range and delete", func(t *testing.T) {
		count := 0
		m.Range(func(key model.TargetID, value model.DocumentKeySet) bool {
			count++
			return true
		})
		assert.Equal(t, 10, count)
		m.Del(3)
		assert.False(t, m.Exists(3))
		assert.Len(t, m.AsMap(), 9)
	})
}
