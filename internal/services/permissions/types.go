package permissions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Request contains the parameters for one authorization evaluation.
type Request struct {
	Principal   string      // Caller identity (upn)
	Scope       string      // Tenant partition (reality)
	EntityTypes []string    // Checked in order; the first denial short-circuits
	Actions     []string    // Every action must be permitted on every entity type
	Headers     http.Header // Forwarded verbatim to the permissions service
}

// Result is the outcome of an evaluation. When IsPermitted is false the
// other fields are nil.
type Result struct {
	IsPermitted bool

	// DigitalFilters holds entityType -> action -> filter for every requested entity type.
	DigitalFilters map[string]map[string]json.RawMessage

	// ResponseHeaders are the upstream headers captured for the first requested entity type.
	ResponseHeaders http.Header

	// PortalData holds entityType -> payload, only for types whose upstream response had one.
	PortalData map[string]json.RawMessage
}

// ActionSet is the set of actions permitted on an entity type.
type ActionSet map[string]struct{}

// NewActionSet builds a set from actions.
func NewActionSet(actions ...string) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Has reports whether action is in the set.
func (s ActionSet) Has(action string) bool {
	_, ok := s[action]
	return ok
}

// HasAll reports whether every action is in the set. An empty set holds nothing.
func (s ActionSet) HasAll(actions []string) bool {
	for _, a := range actions {
		if !s.Has(a) {
			return false
		}
	}
	return true
}

func (s ActionSet) clone() ActionSet {
	if s == nil {
		return nil
	}
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// Entry is everything cached for one entity type.
type Entry struct {
	PermittedActions     ActionSet                  `json:"permittedActions,omitempty"`
	ActionDigitalFilters map[string]json.RawMessage `json:"actionDigitalFilters,omitempty"`
	ResponseHeaders      http.Header                `json:"responseHeaders,omitempty"`
	PortalData           json.RawMessage            `json:"portalData,omitempty"`
	FetchedAt            time.Time                  `json:"fetchedAt"`

	// granted is set once permitted actions were recorded. Entries holding
	// only filters, headers or portal data do not count as cached.
	granted bool
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		PermittedActions:     e.PermittedActions.clone(),
		ActionDigitalFilters: cloneFilters(e.ActionDigitalFilters),
		ResponseHeaders:      e.ResponseHeaders.Clone(),
		PortalData:           cloneRaw(e.PortalData),
		FetchedAt:            e.FetchedAt,
		granted:              e.granted,
	}
}

// MarshalJSON encodes the action set as a sorted list.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// Sorted returns the actions in lexical order.
func (s ActionSet) Sorted() []string {
	list := make([]string, 0, len(s))
	for a := range s {
		list = append(list, a)
	}
	sort.Strings(list)
	return list
}

// UnmarshalJSON decodes a list of actions.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewActionSet(list...)
	return nil
}

// UpstreamResponse is what the HTTP collaborator hands back for one GET.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HeadersFromMap converts a loosely typed header map (string or list of
// strings per name) into an http.Header. Names are kept as given.
func HeadersFromMap(m map[string]any) (http.Header, error) {
	if len(m) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(m))
	for name, v := range m {
		switch val := v.(type) {
		case string:
			h[name] = []string{val}
		case []string:
			h[name] = append([]string(nil), val...)
		case []any:
			values := make([]string, 0, len(val))
			for i, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("header %q: value %d is %T, want string", name, i, item)
				}
				values = append(values, s)
			}
			h[name] = values
		default:
			return nil, fmt.Errorf("header %q: value is %T, want string or list of strings", name, v)
		}
	}
	return h, nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneFilters(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}
