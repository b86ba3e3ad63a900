package server

import (
	"encoding/json"
	"net/http"

	"mcpgateway/internal/api"
)

// decodeRawBody decodes without field restrictions; used for patch-style
// endpoints where unknown-field rejection would be wrong.
func decodeRawBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return api.NewBadRequestError("invalid request body", map[string]string{"body": err.Error()})
	}
	return nil
}

// mergeServerPatch merges a partial JSON document into the stored server:
// the stored document is projected to a map, patch keys overwrite it, and
// the result is decoded back. Immutable keys are pinned afterwards so a
// patch can never move an entity or forge federation bookkeeping.
func mergeServerPatch(current *api.Server, patch map[string]interface{}) (*api.Server, error) {
	base, err := toMap(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}

	var merged api.Server
	if err := fromMap(base, &merged); err != nil {
		return nil, api.NewBadRequestError("patch does not fit the server schema", map[string]string{"body": err.Error()})
	}

	merged.Path = current.Path
	merged.OriginPeer = current.OriginPeer
	merged.OriginType = current.OriginType
	merged.Generation = current.Generation
	merged.CreatedAt = current.CreatedAt
	merged.UpdatedAt = current.UpdatedAt
	return &merged, nil
}

// mergeAgentPatch is the agent flavor of mergeServerPatch.
func mergeAgentPatch(current *api.Agent, patch map[string]interface{}) (*api.Agent, error) {
	base, err := toMap(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}

	var merged api.Agent
	if err := fromMap(base, &merged); err != nil {
		return nil, api.NewBadRequestError("patch does not fit the agent schema", map[string]string{"body": err.Error()})
	}

	merged.Path = current.Path
	merged.OriginPeer = current.OriginPeer
	merged.OriginType = current.OriginType
	merged.Generation = current.Generation
	merged.CreatedAt = current.CreatedAt
	merged.UpdatedAt = current.UpdatedAt
	return &merged, nil
}

// mergeSkillPatch is the skill flavor of mergeServerPatch.
func mergeSkillPatch(current *api.Skill, patch map[string]interface{}) (*api.Skill, error) {
	base, err := toMap(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}

	var merged api.Skill
	if err := fromMap(base, &merged); err != nil {
		return nil, api.NewBadRequestError("patch does not fit the skill schema", map[string]string{"body": err.Error()})
	}

	merged.Path = current.Path
	merged.CreatedAt = current.CreatedAt
	merged.UpdatedAt = current.UpdatedAt
	merged.Rating = current.Rating
	merged.RatingCount = current.RatingCount
	return &merged, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, api.NewBackendDataError("failed to project document", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, api.NewBackendDataError("failed to project document", err)
	}
	return out, nil
}

func fromMap(m map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
