package permissions

import (
	"bytes"
	"encoding/json"
)

// permissionsResponse is the v1 body schema of the permissions service:
//
//	{"userPermissions": {"<entityType>": {"actions": {"<action>": {"isPermitted": bool, "digitalFilters": any}}}}, "portalData": any}
type permissionsResponse struct {
	UserPermissions map[string]*entityPermissions `json:"userPermissions"`
	PortalData      json.RawMessage               `json:"portalData"`
}

type entityPermissions struct {
	Actions map[string]*actionPermission `json:"actions"`
}

type actionPermission struct {
	IsPermitted    bool            `json:"isPermitted"`
	DigitalFilters json.RawMessage `json:"digitalFilters"`
}

// parseResponse turns a 200 body into an Entry for entityType. Only
// permitted actions are kept, each with its digital filters.
//
// Bodies that are not JSON or have the wrong shape are malformed. A missing
// entity type or actions object grants nothing unless strict is set.
func parseResponse(body []byte, entityType string, strict bool) (*Entry, error) {
	var resp permissionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedResponseError{EntityType: entityType, Reason: "decode body", Err: err}
	}

	entry := &Entry{}
	if !falsy(resp.PortalData) {
		entry.PortalData = cloneRaw(resp.PortalData)
	}

	perms := resp.UserPermissions[entityType]
	if perms == nil || perms.Actions == nil {
		if strict {
			return nil, &MalformedResponseError{EntityType: entityType, Reason: "missing userPermissions actions"}
		}
		return entry, nil
	}

	entry.PermittedActions = make(ActionSet)
	entry.ActionDigitalFilters = make(map[string]json.RawMessage)
	for action, p := range perms.Actions {
		if p == nil || !p.IsPermitted {
			continue
		}
		entry.PermittedActions[action] = struct{}{}
		entry.ActionDigitalFilters[action] = cloneRaw(p.DigitalFilters)
	}
	return entry, nil
}

// falsy reports whether a raw JSON value is absent, null, false, 0 or "".
func falsy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return true
	}
	switch string(v) {
	case "null", "false", `""`:
		return true
	}
	if v[0] != '-' && (v[0] < '0' || v[0] > '9') {
		return false
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		f, err := n.Float64()
		return err == nil && f == 0
	}
	return false
}
