package cache

import (
	"net/url"
	"strconv"
	"strings"
)

// Key identifies a cache entry. Two keys with the same tag, identity and
// parameters are the same entry regardless of how the parameters were
// ordered when the key was built.
type Key struct {
	Tag    string // Entity kind, e.g. "demand" or "demands-list"
	ID     string // Resource identity, empty for collection keys
	Params string // Canonical query parameters, see NewKey
}

// NewKey builds a key with canonical (sorted, escaped) parameters.
func NewKey(tag, id string, params map[string]string) Key {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return Key{Tag: tag, ID: id, Params: values.Encode()}
}

// Param returns the value of a query parameter, or "" if absent.
func (k Key) Param(name string) string {
	values, err := url.ParseQuery(k.Params)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// String renders the key as ["tag", "id", params].
func (k Key) String() string {
	parts := []string{k.Tag}
	if k.ID != "" {
		parts = append(parts, k.ID)
	}
	if k.Params != "" {
		parts = append(parts, k.Params)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// identity is an unambiguous encoding of the key, unlike String which is
// meant for people: tag "a b" and tag "a" with id "b" render alike.
func (k Key) identity() string {
	return strconv.Quote(k.Tag) + "/" + strconv.Quote(k.ID) + "/" + strconv.Quote(k.Params)
}

// MatchTag returns a predicate selecting every key with the given tag.
func MatchTag(tag string) func(Key) bool {
	return func(k Key) bool {
		return k.Tag == tag
	}
}

// Standard demand keys shared by the change feed, the timer controller and
// the CLI.
const (
	TagDemand      = "demand"
	TagDemandsList = "demands-list"
)

// DemandKey is the entry for a single demand.
func DemandKey(demandID string) Key {
	return NewKey(TagDemand, demandID, nil)
}

// TeamDemandsKey is the entry listing every demand of a team.
func TeamDemandsKey(teamID string) Key {
	return NewKey(TagDemandsList, "", map[string]string{"team_id": teamID})
}

// BoardDemandsKey is the entry listing the demands shown on a board.
func BoardDemandsKey(boardID string) Key {
	return NewKey(TagDemandsList, "", map[string]string{"board_id": boardID})
}
