// Package metacache defines the metadata payload model shared by the cache,
// merge, and storage layers.
package metacache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Meta is a media metadata payload as supplied by callers. The cache treats
// it as opaque apart from the content-identity fields below and the Videos
// list; everything else round-trips through Extra untouched.
type Meta struct {
	Name        string
	Type        string
	Year        string
	ReleaseInfo string
	IMDBRating  string
	Videos      []Video

	// Extra holds caller-defined fields the cache does not interpret.
	Extra map[string]json.RawMessage
}

// Video is an episode sub-record inside a Meta payload. User-owned fields
// (Watched) use pointers so "absent" and "false" stay distinguishable across
// merges.
type Video struct {
	ID      string
	Season  int
	Episode int
	Number  int
	Watched *bool

	Extra map[string]json.RawMessage
}

// Key returns the merge identity for a video: the explicit ID when present,
// otherwise a season:episode composite. Episode falls back to Number, which
// some upstream payloads use instead.
func (v *Video) Key() string {
	if v.ID != "" {
		return v.ID
	}
	ep := v.Episode
	if ep == 0 && v.Number != 0 {
		ep = v.Number
	}
	return fmt.Sprintf("%d:%d", v.Season, ep)
}

// ContentEqual reports whether two payloads are structurally identical across
// the content-identity fields: name, type, year, releaseInfo, imdbRating, and
// the videos length. Videos lengths are compared only when both sides carry a
// list; a list appearing or disappearing counts as a content change.
func ContentEqual(a, b *Meta) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Type != b.Type || a.Year != b.Year ||
		a.ReleaseInfo != b.ReleaseInfo || a.IMDBRating != b.IMDBRating {
		return false
	}
	if (a.Videos == nil) != (b.Videos == nil) {
		return false
	}
	if a.Videos != nil && len(a.Videos) != len(b.Videos) {
		return false
	}
	return true
}

// ReleaseYear extracts the release year from a payload, preferring Year and
// falling back to ReleaseInfo. Both commonly arrive as "2009", "2009-2013",
// or "2009-". Returns ok=false when neither field parses.
func ReleaseYear(m *Meta) (int, bool) {
	if m == nil {
		return 0, false
	}
	if y, ok := parseYear(m.Year); ok {
		return y, true
	}
	return parseYear(m.ReleaseInfo)
}

// parseYear finds the first 4-digit run in s and parses it.
func parseYear(s string) (int, bool) {
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			run++
			if run == 4 {
				y, err := strconv.Atoi(s[i-3 : i+1])
				if err != nil {
					return 0, false
				}
				return y, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Known payload keys lifted out of Extra during decoding.
const (
	keyName        = "name"
	keyType        = "type"
	keyYear        = "year"
	keyReleaseInfo = "releaseInfo"
	keyIMDBRating  = "imdbRating"
	keyVideos      = "videos"
)

// MarshalJSON emits the known fields alongside the Extra passthrough keys.
func (m *Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	if err := putString(out, keyName, m.Name); err != nil {
		return nil, err
	}
	if err := putString(out, keyType, m.Type); err != nil {
		return nil, err
	}
	if err := putString(out, keyYear, m.Year); err != nil {
		return nil, err
	}
	if err := putString(out, keyReleaseInfo, m.ReleaseInfo); err != nil {
		return nil, err
	}
	if err := putString(out, keyIMDBRating, m.IMDBRating); err != nil {
		return nil, err
	}
	if m.Videos != nil {
		raw, err := json.Marshal(m.Videos)
		if err != nil {
			return nil, fmt.Errorf("marshaling videos: %w", err)
		}
		out[keyVideos] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known fields out of the payload and keeps the rest in
// Extra byte-for-byte.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Meta{}
	for k, v := range raw {
		switch k {
		case keyName:
			m.Name = flexString(v)
		case keyType:
			m.Type = flexString(v)
		case keyYear:
			m.Year = flexString(v)
		case keyReleaseInfo:
			m.ReleaseInfo = flexString(v)
		case keyIMDBRating:
			m.IMDBRating = flexString(v)
		case keyVideos:
			if err := json.Unmarshal(v, &m.Videos); err != nil {
				return fmt.Errorf("unmarshaling videos: %w", err)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// Video JSON keys.
const (
	keyVideoID      = "id"
	keyVideoSeason  = "season"
	keyVideoEpisode = "episode"
	keyVideoNumber  = "number"
	keyVideoWatched = "watched"
)

// MarshalJSON emits the known video fields alongside Extra.
func (v *Video) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(v.Extra)+5)
	for k, raw := range v.Extra {
		out[k] = raw
	}
	if err := putString(out, keyVideoID, v.ID); err != nil {
		return nil, err
	}
	if v.Season != 0 {
		out[keyVideoSeason] = json.RawMessage(strconv.Itoa(v.Season))
	}
	if v.Episode != 0 {
		out[keyVideoEpisode] = json.RawMessage(strconv.Itoa(v.Episode))
	}
	if v.Number != 0 {
		out[keyVideoNumber] = json.RawMessage(strconv.Itoa(v.Number))
	}
	if v.Watched != nil {
		out[keyVideoWatched] = json.RawMessage(strconv.FormatBool(*v.Watched))
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known video fields out of the payload.
func (v *Video) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*v = Video{}
	for k, val := range raw {
		switch k {
		case keyVideoID:
			v.ID = flexString(val)
		case keyVideoSeason:
			v.Season = flexInt(val)
		case keyVideoEpisode:
			v.Episode = flexInt(val)
		case keyVideoNumber:
			v.Number = flexInt(val)
		case keyVideoWatched:
			var b bool
			if err := json.Unmarshal(val, &b); err == nil {
				v.Watched = &b
			}
		default:
			if v.Extra == nil {
				v.Extra = make(map[string]json.RawMessage)
			}
			v.Extra[k] = val
		}
	}
	return nil
}

func putString(out map[string]json.RawMessage, key, val string) error {
	if val == "" {
		return nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	out[key] = raw
	return nil
}

// flexString decodes a JSON string, number, or bool into its string form.
// Upstream APIs are loose about year and rating types.
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	}
	return string(raw)
}

// flexInt decodes a JSON number or numeric string into an int.
func flexInt(raw json.RawMessage) int {
	s := flexString(raw)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}
