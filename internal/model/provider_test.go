package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsableLyrics(t *testing.T) {
	u := &ProviderUpdate{Lyrics: []LyricVariant{
		{Text: "  verse one  ", Title: " A "},
		{Text: "   "},
		{Text: ""},
		{Text: "verse two"},
	}}
	got := u.UsableLyrics()
	require.Len(t, got, 2)
	assert.Equal(t, LyricVariant{Text: "verse one", Title: "A"}, got[0])
	assert.Equal(t, "verse two", got[1].Text)
}

func TestHasTrackURLs(t *testing.T) {
	assert.False(t, (&ProviderUpdate{Tracks: []ProviderTrack{{ImageURL: "x"}}}).HasTrackURLs())
	assert.True(t, (&ProviderUpdate{Tracks: []ProviderTrack{{}, {SourceStreamAudioURL: "x"}}}).HasTrackURLs())
}

func TestNormalizeTracks_DeterministicIDs(t *testing.T) {
	keep := uuid.NewString()
	tracks := []ProviderTrack{{ProviderID: "suno-abc"}, {ProviderID: keep}, {}}

	first := NormalizeTracks("job-1", tracks)
	second := NormalizeTracks("job-1", tracks)
	other := NormalizeTracks("job-2", tracks)

	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, keep, first[1].ID)
	assert.NotEqual(t, first[0].ID, other[0].ID)
	assert.NotEqual(t, first[0].ID, first[2].ID)
	_, err := uuid.Parse(first[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, "suno-abc", first[0].ProviderID)
	assert.Equal(t, 2, first[2].Index)
}

func TestMergeTracks(t *testing.T) {
	t1 := now.Add(time.Minute)
	dur := 181.5

	existing, changed := MergeTracks(nil, []TrackVariant{{ID: "a", StreamAudioURL: "https://cdn/a"}}, now)
	assert.True(t, changed)
	require.NotNil(t, existing[0].StreamAvailableAt)
	assert.Nil(t, existing[0].DownloadAvailableAt)

	merged, changed := MergeTracks(existing, []TrackVariant{
		{ID: "a", AudioURL: "https://cdn/a.mp3", DurationSeconds: &dur},
		{ID: "b", StreamAudioURL: "https://cdn/b"},
	}, t1)
	assert.True(t, changed)
	require.Len(t, merged, 2)
	// empty incoming fields never clear known data
	assert.Equal(t, "https://cdn/a", merged[0].StreamAudioURL)
	assert.Equal(t, "https://cdn/a.mp3", merged[0].AudioURL)
	assert.Equal(t, now, *merged[0].StreamAvailableAt)
	assert.Equal(t, t1, *merged[0].DownloadAvailableAt)
	assert.InDelta(t, 181.5, *merged[0].DurationSeconds, 0.001)
	assert.Equal(t, 1, merged[1].Index)

	again, changed := MergeTracks(merged, []TrackVariant{{ID: "a"}, {ID: "b", StreamAudioURL: "https://cdn/b"}}, t1.Add(time.Minute))
	assert.False(t, changed)
	assert.Equal(t, merged, again)
}
