// Package merge reconciles freshly fetched metadata payloads with what is
// already stored, so upstream refreshes never erase user-authored state
// embedded in the same payload.
package merge

import (
	"encoding/json"

	metacache "github.com/strmkit/metacache"
)

// Policy controls which sub-record fields are treated as user-owned and
// carried forward across merges.
type Policy struct {
	// UserFields is the allow-list of video fields copied forward from the
	// stored sub-record onto the incoming one when identities match.
	UserFields []string
}

// DefaultPolicy preserves the watched flag, the one field the UI writes.
func DefaultPolicy() Policy {
	return Policy{UserFields: []string{"watched"}}
}

// Merge reconciles incoming data against the existing payload for the same
// id. The returned bool is false on the fast path: content is structurally
// identical and existing is returned verbatim, so only the record timestamp
// should advance. Otherwise a new merged payload is returned.
//
// Merge never mutates either argument.
func (p Policy) Merge(existing, incoming *metacache.Meta) (*metacache.Meta, bool) {
	if existing == nil {
		return incoming, true
	}
	if incoming == nil {
		return existing, false
	}

	if metacache.ContentEqual(existing, incoming) {
		return existing, false
	}

	merged := shallowMerge(existing, incoming)

	// Incoming wins wholesale for videos unless both sides carry a list, in
	// which case user fields are restored per sub-record.
	if existing.Videos != nil && incoming.Videos != nil {
		merged.Videos = p.mergeVideos(existing.Videos, incoming.Videos)
	}

	return merged, true
}

// shallowMerge overlays incoming over existing field-by-field. Incoming
// values win where present; fields only the stored payload carries survive.
func shallowMerge(existing, incoming *metacache.Meta) *metacache.Meta {
	out := &metacache.Meta{
		Name:        pick(incoming.Name, existing.Name),
		Type:        pick(incoming.Type, existing.Type),
		Year:        pick(incoming.Year, existing.Year),
		ReleaseInfo: pick(incoming.ReleaseInfo, existing.ReleaseInfo),
		IMDBRating:  pick(incoming.IMDBRating, existing.IMDBRating),
	}

	if incoming.Videos != nil {
		out.Videos = incoming.Videos
	} else {
		out.Videos = existing.Videos
	}

	if len(existing.Extra) > 0 || len(incoming.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(existing.Extra)+len(incoming.Extra))
		for k, v := range existing.Extra {
			out.Extra[k] = v
		}
		for k, v := range incoming.Extra {
			out.Extra[k] = v
		}
	}

	return out
}

// mergeVideos carries user-owned fields forward from existing sub-records
// onto their incoming counterparts, matched by identity key. Incoming order
// is canonical; unmatched incoming videos pass through unchanged.
func (p Policy) mergeVideos(existing, incoming []metacache.Video) []metacache.Video {
	byKey := make(map[string]*metacache.Video, len(existing))
	for i := range existing {
		byKey[existing[i].Key()] = &existing[i]
	}

	out := make([]metacache.Video, len(incoming))
	for i := range incoming {
		out[i] = incoming[i]
		prior, ok := byKey[incoming[i].Key()]
		if !ok {
			continue
		}
		for _, field := range p.UserFields {
			copyUserField(&out[i], prior, field)
		}
	}
	return out
}

// copyUserField copies a single user-owned field from the stored video onto
// the merged one, when the stored side has it set.
func copyUserField(dst, src *metacache.Video, field string) {
	switch field {
	case "watched":
		if src.Watched != nil {
			w := *src.Watched
			dst.Watched = &w
		}
	default:
		raw, ok := src.Extra[field]
		if !ok {
			return
		}
		// Clone before insert: dst.Extra may alias the incoming video's map.
		extra := make(map[string]json.RawMessage, len(dst.Extra)+1)
		for k, v := range dst.Extra {
			extra[k] = v
		}
		extra[field] = raw
		dst.Extra = extra
	}
}

func pick(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}
