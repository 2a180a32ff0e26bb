package pipeline_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/pipeline"
	"github.com/autom8ter/docsync/testutil"
)

func books() []*model.Document {
	fixtures := []map[string]any{
		{"title": "The Hitchhiker's Guide to the Galaxy", "author": "Douglas Adams", "genre": "Science Fiction", "published": 1979, "rating": 4.2, "awards": map[string]any{"hugo": true, "nebula": false}},
		{"title": "Pride and Prejudice", "author": "Jane Austen", "genre": "Romance", "published": 1813, "rating": 4.5, "awards": map[string]any{"none": true}},
		{"title": "One Hundred Years of Solitude", "author": "Gabriel García Márquez", "genre": "Magical Realism", "published": 1967, "rating": 4.3, "awards": map[string]any{"nobel": true, "nebula": false}},
		{"title": "The Lord of the Rings", "author": "J.R.R. Tolkien", "genre": "Fantasy", "published": 1954, "rating": 4.7, "awards": map[string]any{"hugo": false, "nebula": false}},
		{"title": "The Handmaid's Tale", "author": "Margaret Atwood", "genre": "Dystopian", "published": 1985, "rating": 4.1, "awards": map[string]any{"arthur c. clarke": true, "booker prize": false}},
		{"title": "Crime and Punishment", "author": "Fyodor Dostoevsky", "genre": "Psychological Thriller", "published": 1866, "rating": 4.3, "awards": map[string]any{"none": true}},
		{"title": "To Kill a Mockingbird", "author": "Harper Lee", "genre": "Southern Gothic", "published": 1960, "rating": 4.2, "awards": map[string]any{"pulitzer": true}},
		{"title": "1984", "author": "George Orwell", "genre": "Dystopian", "published": 1949, "rating": 4.2, "awards": map[string]any{"prometheus": true}},
		{"title": "The Great Gatsby", "author": "F. Scott Fitzgerald", "genre": "Modernist", "published": 1925, "rating": 4.0, "awards": map[string]any{"none": true}},
		{"title": "Dune", "author": "Frank Herbert", "genre": "Science Fiction", "published": 1965, "rating": 4.6, "awards": map[string]any{"hugo": true, "nebula": true}},
		{"title": "Timestamp Book", "author": "Timestamp Author", "timestamp": time.Now().Format(time.RFC3339)},
	}
	var docs []*model.Document
	for i, f := range fixtures {
		docs = append(docs, testutil.Doc(fmt.Sprintf("books/book%d", i+1), 1, f))
	}
	return docs
}

func TestPipeline(t *testing.T) {
	t.Run("full results", func(t *testing.T) {
		rows, err := pipeline.New().Execute(books())
		require.NoError(t, err)
		assert.Len(t, rows, 11)
	})
	t.Run("limit zero", func(t *testing.T) {
		rows, err := pipeline.New().Limit(0).Execute(books())
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
	t.Run("group and accumulate", func(t *testing.T) {
		rows, err := pipeline.New().
			Where("published < 1984").
			Aggregate([]string{"genre"}, pipeline.Avg("rating").As("avgRating")).
			Where("avgRating > 4.3").
			Sort(pipeline.Descending("avgRating")).
			Execute(books())
		require.NoError(t, err)
		require.Len(t, rows, 3)
		expected := []struct {
			genre  string
			rating float64
		}{
			{"Fantasy", 4.7},
			{"Romance", 4.5},
			{"Science Fiction", 4.4},
		}
		for i, e := range expected {
			assert.Equal(t, e.genre, rows[i]["genre"])
			assert.InDelta(t, e.rating, rows[i]["avgRating"], 0.0001)
			assert.Len(t, rows[i], 2)
		}
	})
	t.Run("many accumulators", func(t *testing.T) {
		rows, err := pipeline.New().
			Where(`genre == "Science Fiction"`).
			Aggregate(nil,
				pipeline.Count("").As("count"),
				pipeline.Avg("rating").As("avgRating"),
				pipeline.Max("rating").As("maxRating"),
				pipeline.Min("published").As("firstPublished"),
				pipeline.Sum("published").As("sumPublished"),
			).
			Execute(books())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 2, rows[0]["count"])
		assert.InDelta(t, 4.4, rows[0]["avgRating"], 0.0001)
		assert.InDelta(t, 4.6, rows[0]["maxRating"], 0.0001)
		assert.InDelta(t, 1965, rows[0]["firstPublished"], 0.0001)
		assert.InDelta(t, 3944, rows[0]["sumPublished"], 0.0001)
	})
	t.Run("nested fields", func(t *testing.T) {
		rows, err := pipeline.New().
			Where("awards.hugo == true").
			Sort(pipeline.Ascending("title")).
			Execute(books())
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Dune", rows[0]["title"])
		assert.Equal(t, true, rows[1].Get("awards.hugo"))
	})
	t.Run("missing fields do not match", func(t *testing.T) {
		rows, err := pipeline.New().Where("published > 0").Execute(books())
		require.NoError(t, err)
		assert.Len(t, rows, 10)
	})
	t.Run("tombstones are skipped", func(t *testing.T) {
		rows, err := pipeline.New().Execute([]*model.Document{testutil.DeletedDoc("books/gone", 2)})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
	t.Run("invalid expression", func(t *testing.T) {
		_, err := pipeline.New().Where("published <").Execute(books())
		require.Error(t, err)
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
	t.Run("accumulator without alias", func(t *testing.T) {
		_, err := pipeline.New().Aggregate(nil, pipeline.Sum("rating")).Execute(books())
		assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
	})
}
