package metacache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestVideoKey(t *testing.T) {
	t.Run("explicit id wins", func(t *testing.T) {
		v := Video{ID: "tt0903747:1:1", Season: 2, Episode: 5}
		assert.Equal(t, "tt0903747:1:1", v.Key())
	})

	t.Run("season episode composite", func(t *testing.T) {
		v := Video{Season: 2, Episode: 5}
		assert.Equal(t, "2:5", v.Key())
	})

	t.Run("number fallback", func(t *testing.T) {
		v := Video{Season: 1, Number: 3}
		assert.Equal(t, "1:3", v.Key())
	})

	t.Run("episode beats number", func(t *testing.T) {
		v := Video{Season: 1, Episode: 2, Number: 9}
		assert.Equal(t, "1:2", v.Key())
	})
}

func TestContentEqual(t *testing.T) {
	base := func() *Meta {
		return &Meta{
			Name:        "Breaking Bad",
			Type:        "series",
			Year:        "2008-2013",
			ReleaseInfo: "2008-2013",
			IMDBRating:  "9.5",
			Videos:      []Video{{Season: 1, Episode: 1}, {Season: 1, Episode: 2}},
		}
	}

	t.Run("identical payloads are equal", func(t *testing.T) {
		assert.True(t, ContentEqual(base(), base()))
	})

	t.Run("name change breaks equality", func(t *testing.T) {
		b := base()
		b.Name = "Better Call Saul"
		assert.False(t, ContentEqual(base(), b))
	})

	t.Run("rating change breaks equality", func(t *testing.T) {
		b := base()
		b.IMDBRating = "9.4"
		assert.False(t, ContentEqual(base(), b))
	})

	t.Run("new episode breaks equality", func(t *testing.T) {
		b := base()
		b.Videos = append(b.Videos, Video{Season: 1, Episode: 3})
		assert.False(t, ContentEqual(base(), b))
	})

	t.Run("videos list appearing breaks equality", func(t *testing.T) {
		a := base()
		a.Videos = nil
		assert.False(t, ContentEqual(a, base()))
		assert.False(t, ContentEqual(base(), a))
	})

	t.Run("both without videos are equal", func(t *testing.T) {
		a, b := base(), base()
		a.Videos, b.Videos = nil, nil
		assert.True(t, ContentEqual(a, b))
	})

	t.Run("watched flags do not affect equality", func(t *testing.T) {
		b := base()
		b.Videos[0].Watched = boolPtr(true)
		assert.True(t, ContentEqual(base(), b))
	})

	t.Run("nil handling", func(t *testing.T) {
		assert.True(t, ContentEqual(nil, nil))
		assert.False(t, ContentEqual(base(), nil))
		assert.False(t, ContentEqual(nil, base()))
	})
}

func TestReleaseYear(t *testing.T) {
	tests := []struct {
		name string
		meta *Meta
		want int
		ok   bool
	}{
		{"plain year", &Meta{Year: "2009"}, 2009, true},
		{"year range", &Meta{Year: "2009-2013"}, 2009, true},
		{"open range", &Meta{Year: "2009-"}, 2009, true},
		{"release info fallback", &Meta{ReleaseInfo: "2021"}, 2021, true},
		{"year wins over release info", &Meta{Year: "1999", ReleaseInfo: "2005"}, 1999, true},
		{"embedded year", &Meta{Year: "ca. 1985"}, 1985, true},
		{"unparseable", &Meta{Year: "unknown", ReleaseInfo: "n/a"}, 0, false},
		{"too short", &Meta{Year: "99"}, 0, false},
		{"empty", &Meta{}, 0, false},
		{"nil meta", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ReleaseYear(tt.meta)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetaJSONRoundTrip(t *testing.T) {
	in := []byte(`{
		"name": "Breaking Bad",
		"type": "series",
		"year": "2008-2013",
		"imdbRating": "9.5",
		"poster": "https://example.com/poster.jpg",
		"genres": ["Crime","Drama"],
		"videos": [
			{"id": "tt0903747:1:1", "season": 1, "episode": 1, "watched": true, "title": "Pilot"},
			{"season": 1, "episode": 2}
		]
	}`)

	var m Meta
	require.NoError(t, json.Unmarshal(in, &m))

	assert.Equal(t, "Breaking Bad", m.Name)
	assert.Equal(t, "series", m.Type)
	assert.Equal(t, "2008-2013", m.Year)
	assert.Equal(t, "9.5", m.IMDBRating)

	// Unknown fields land in Extra byte-for-byte.
	require.Contains(t, m.Extra, "poster")
	require.Contains(t, m.Extra, "genres")
	assert.JSONEq(t, `["Crime","Drama"]`, string(m.Extra["genres"]))

	require.Len(t, m.Videos, 2)
	assert.Equal(t, "tt0903747:1:1", m.Videos[0].ID)
	require.NotNil(t, m.Videos[0].Watched)
	assert.True(t, *m.Videos[0].Watched)
	assert.Contains(t, m.Videos[0].Extra, "title")
	assert.Nil(t, m.Videos[1].Watched)

	out, err := json.Marshal(&m)
	require.NoError(t, err)

	var m2 Meta
	require.NoError(t, json.Unmarshal(out, &m2))
	assert.Equal(t, m.Name, m2.Name)
	assert.Equal(t, m.Extra, m2.Extra)
	assert.Equal(t, m.Videos, m2.Videos)
}

func TestMetaUnmarshalLooseTypes(t *testing.T) {
	// Upstream APIs send year and rating as numbers and season/episode as
	// strings often enough that the decoder must cope.
	in := []byte(`{
		"name": "Inception",
		"type": "movie",
		"year": 2010,
		"imdbRating": 8.8,
		"videos": [{"season": "1", "episode": "2"}]
	}`)

	var m Meta
	require.NoError(t, json.Unmarshal(in, &m))

	assert.Equal(t, "2010", m.Year)
	assert.Equal(t, "8.8", m.IMDBRating)
	require.Len(t, m.Videos, 1)
	assert.Equal(t, 1, m.Videos[0].Season)
	assert.Equal(t, 2, m.Videos[0].Episode)
}

func TestMetaMarshalOmitsEmpty(t *testing.T) {
	m := Meta{Name: "Solo"}
	out, err := json.Marshal(&m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Solo"}`, string(out))
}
