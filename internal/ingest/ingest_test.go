package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunityradar/internal/core/domain"
)

type fakeRepo struct {
	inserted []domain.Complaint
	seen     map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{seen: map[string]bool{}}
}

func (f *fakeRepo) InsertComplaint(_ context.Context, c *domain.Complaint) (bool, error) {
	key := c.Platform + "|" + c.SourceID
	if f.seen[key] {
		return false, nil
	}

	f.seen[key] = true
	f.inserted = append(f.inserted, *c)

	return true, nil
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "nothing to strip", "nothing to strip"},
		{"tags", "<p>The export <b>keeps failing</b></p>", "The export keeps failing"},
		{"script dropped", "<p>visible</p><script>alert(1)</script>", "visible"},
		{"entities", "can&#39;t save", "can't save"},
		{"whitespace collapsed", "  a\n\n  b  ", "a b"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.in))
		})
	}
}

func TestItemToComplaint(t *testing.T) {
	logger := zerolog.Nop()
	c := NewCollector(newFakeRepo(), Config{}, &logger)

	published := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	item := &gofeed.Item{
		GUID:            "post-42",
		Link:            "https://forum.example.com/post-42",
		Title:           "Sync is broken again",
		Description:     "<p>Every time I upload, the <i>sync</i> fails.</p>",
		Categories:      []string{"bugs"},
		Author:          &gofeed.Person{Name: "sam"},
		PublishedParsed: &published,
	}

	got := c.itemToComplaint("rss:forum.example.com", item)
	require.NotNil(t, got)
	assert.Equal(t, "rss:forum.example.com", got.Platform)
	assert.Equal(t, "post-42", got.SourceID)
	assert.Equal(t, "bugs", got.Category)
	assert.Equal(t, "sam", got.Author)
	assert.Equal(t, published, got.PostedAt)
	assert.Equal(t, "Sync is broken again\n\nEvery time I upload, the sync fails.", got.Body)
}

func TestItemToComplaintFallbacks(t *testing.T) {
	logger := zerolog.Nop()
	c := NewCollector(newFakeRepo(), Config{}, &logger)

	t.Run("guid falls back to link", func(t *testing.T) {
		got := c.itemToComplaint("rss", &gofeed.Item{Link: "https://x/1", Title: "t"})
		require.NotNil(t, got)
		assert.Equal(t, "https://x/1", got.SourceID)
	})

	t.Run("no identity is skipped", func(t *testing.T) {
		assert.Nil(t, c.itemToComplaint("rss", &gofeed.Item{Title: "t"}))
	})

	t.Run("empty body is skipped", func(t *testing.T) {
		assert.Nil(t, c.itemToComplaint("rss", &gofeed.Item{GUID: "g"}))
	})

	t.Run("raw date string is parsed", func(t *testing.T) {
		got := c.itemToComplaint("rss", &gofeed.Item{
			GUID:      "g",
			Title:     "t",
			Published: "2026-03-14 09:00:00 +0000 UTC",
		})
		require.NotNil(t, got)
		assert.Equal(t, 2026, got.PostedAt.Year())
	})
}

func TestCollectAllRetriesTransientFetchFailure(t *testing.T) {
	const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Forum</title>
<item><guid>a</guid><title>First complaint</title></item>
</channel></rss>`

	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	logger := zerolog.Nop()
	c := NewCollector(repo, Config{
		Feeds:        []string{srv.URL},
		RPS:          100,
		RetryLimit:   2,
		RetryBackoff: time.Millisecond,
	}, &logger)

	inserted, err := c.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 2, requests)
}

func TestCollectAllDeduplicates(t *testing.T) {
	const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Forum</title>
<item><guid>a</guid><title>First complaint</title></item>
<item><guid>b</guid><title>Second complaint</title></item>
<item><guid>a</guid><title>First complaint repeated</title></item>
</channel></rss>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	logger := zerolog.Nop()
	c := NewCollector(repo, Config{Feeds: []string{srv.URL}, RPS: 100}, &logger)

	inserted, err := c.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Len(t, repo.inserted, 2)

	// A second pass over the same feed inserts nothing new.
	inserted, err = c.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestTruncateBodyKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncateBody("short", 10))
	assert.Equal(t, "hé", truncateBody("héllo", 3))
	assert.True(t, utf8.ValidString(truncateBody(strings.Repeat("日", 20), 10)))
}

func TestFeedPlatform(t *testing.T) {
	assert.Equal(t, "rss:forum.example.com", feedPlatform("https://www.forum.example.com/feed.xml"))
	assert.Equal(t, "rss", feedPlatform("://bad"))
}
