package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"mcpgateway/pkg/logging"
)

// Index base names. The full index name is always "{base}-{namespace}".
const (
	indexServers          = "mcp-servers"
	indexAgents           = "mcp-agents"
	indexScopes           = "mcp-scopes"
	indexEmbeddings       = "mcp-embeddings"
	indexSecurityScans    = "mcp-security-scans"
	indexFederationConfig = "mcp-federation-config"

	// Supporting indices on the same backend.
	indexSkills         = "mcp-skills"
	indexVirtualServers = "mcp-virtual-servers"
	indexPeers          = "mcp-peers"
	indexPeerStatus     = "mcp-peer-status"
	indexAudit          = "mcp-audit"
)

func indexName(base, namespace string) string {
	return base + "-" + namespace
}

// textAndKeyword is the standard dual-mapped field: analyzed text for
// lexical scoring plus an exact keyword sub-field for aggregations.
func textAndKeyword() map[string]interface{} {
	return map[string]interface{}{
		"type": "text",
		"fields": map[string]interface{}{
			"keyword": map[string]interface{}{"type": "keyword", "ignore_above": 256},
		},
	}
}

func keyword() map[string]interface{} {
	return map[string]interface{}{"type": "keyword"}
}

// serverMappings covers both servers and agents; the agent-only fields are
// simply absent on server documents.
func serverMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"path":                 keyword(),
			"server_name":          textAndKeyword(),
			"agent_name":           textAndKeyword(),
			"description":          map[string]interface{}{"type": "text"},
			"proxy_pass_url":       keyword(),
			"supported_transports": keyword(),
			"auth_type":            keyword(),
			"tags":                 keyword(),
			"is_enabled":           map[string]interface{}{"type": "boolean"},
			"visibility":           keyword(),
			"origin_peer":          keyword(),
			"origin_type":          keyword(),
			"generation":           map[string]interface{}{"type": "long"},
			"trust_level":          keyword(),
			"protocol_version":     keyword(),
			"created_at":           map[string]interface{}{"type": "date"},
			"updated_at":           map[string]interface{}{"type": "date"},
			"tool_list": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"name":        textAndKeyword(),
					"description": map[string]interface{}{"type": "text"},
					// Tool schemas are carried opaquely, never queried.
					"input_schema": map[string]interface{}{"type": "object", "enabled": false},
				},
			},
			"skills": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"id":          keyword(),
					"name":        textAndKeyword(),
					"description": map[string]interface{}{"type": "text"},
					"tags":        keyword(),
				},
			},
			"versions": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"version":        keyword(),
					"proxy_pass_url": keyword(),
					"status":         keyword(),
					"is_default":     map[string]interface{}{"type": "boolean"},
					"released":       map[string]interface{}{"type": "date"},
					"sunset_date":    map[string]interface{}{"type": "date"},
				},
			},
		},
	}
}

func embeddingsMappings(dimensions int) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"entity_type":        keyword(),
			"path":               keyword(),
			"name":               textAndKeyword(),
			"description":        map[string]interface{}{"type": "text"},
			"tags":               keyword(),
			"is_enabled":         map[string]interface{}{"type": "boolean"},
			"text_for_embedding": map[string]interface{}{"type": "text"},
			"indexed_at":         map[string]interface{}{"type": "date"},
			"embedding": map[string]interface{}{
				"type":      "knn_vector",
				"dimension": dimensions,
				"method": map[string]interface{}{
					"name":       "hnsw",
					"space_type": "cosinesimil",
					"engine":     "nmslib",
					"parameters": map[string]interface{}{
						"ef_construction": 128,
						"m":               16,
					},
				},
			},
			"tools": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"name":         textAndKeyword(),
					"description":  map[string]interface{}{"type": "text"},
					"input_schema": map[string]interface{}{"type": "object", "enabled": false},
				},
			},
			"skills": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"id":          keyword(),
					"name":        textAndKeyword(),
					"description": map[string]interface{}{"type": "text"},
					"tags":        keyword(),
				},
			},
		},
	}
}

func scopesMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"scope_type":     keyword(),
			"scope_name":     keyword(),
			"group_name":     keyword(),
			"group_mappings": keyword(),
			"updated_at":     map[string]interface{}{"type": "date"},
			"server_access": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"server":  keyword(),
					"methods": keyword(),
					"tools":   keyword(),
				},
			},
		},
	}
}

func securityScansMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"server_path":           keyword(),
			"scan_timestamp":        map[string]interface{}{"type": "date"},
			"scan_status":           keyword(),
			"risk_score":            map[string]interface{}{"type": "float"},
			"critical_count":        map[string]interface{}{"type": "integer"},
			"high_count":            map[string]interface{}{"type": "integer"},
			"medium_count":          map[string]interface{}{"type": "integer"},
			"low_count":             map[string]interface{}{"type": "integer"},
			"total_vulnerabilities": map[string]interface{}{"type": "integer"},
			"vulnerabilities": map[string]interface{}{
				"type": "nested",
				"properties": map[string]interface{}{
					"severity":        keyword(),
					"title":           textAndKeyword(),
					"description":     map[string]interface{}{"type": "text"},
					"cve_id":          keyword(),
					"package_name":    keyword(),
					"package_version": keyword(),
					"fixed_version":   keyword(),
				},
			},
		},
	}
}

func genericMappings() map[string]interface{} {
	// Dynamic mapping is fine for low-volume config-style documents.
	return map[string]interface{}{
		"dynamic": true,
		"properties": map[string]interface{}{
			"updated_at": map[string]interface{}{"type": "date"},
		},
	}
}

func auditMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"timestamp":      map[string]interface{}{"type": "date"},
			"request_id":     keyword(),
			"log_type":       keyword(),
			"correlation_id": keyword(),
			"identity": map[string]interface{}{
				"properties": map[string]interface{}{
					"username":    keyword(),
					"auth_method": keyword(),
					"groups":      keyword(),
					"scopes":      keyword(),
					"is_admin":    map[string]interface{}{"type": "boolean"},
				},
			},
			"request": map[string]interface{}{
				"properties": map[string]interface{}{
					"method":    keyword(),
					"path":      keyword(),
					"client_ip": keyword(),
				},
			},
			"response": map[string]interface{}{
				"properties": map[string]interface{}{
					"status_code": map[string]interface{}{"type": "integer"},
					"duration_ms": map[string]interface{}{"type": "long"},
				},
			},
			"action": map[string]interface{}{
				"properties": map[string]interface{}{
					"operation":     keyword(),
					"resource_type": keyword(),
					"resource_id":   keyword(),
				},
			},
		},
	}
}

// indexSpec couples an index base name with its schema.
type indexSpec struct {
	base     string
	settings map[string]interface{}
	mappings map[string]interface{}
}

func allIndexSpecs(dimensions int) []indexSpec {
	knnSettings := map[string]interface{}{
		"index": map[string]interface{}{
			"knn":                      true,
			"knn.algo_param.ef_search": 100,
		},
	}
	return []indexSpec{
		{base: indexServers, mappings: serverMappings()},
		{base: indexAgents, mappings: serverMappings()},
		{base: indexScopes, mappings: scopesMappings()},
		{base: indexEmbeddings, settings: knnSettings, mappings: embeddingsMappings(dimensions)},
		{base: indexSecurityScans, mappings: securityScansMappings()},
		{base: indexFederationConfig, mappings: genericMappings()},
		{base: indexSkills, mappings: genericMappings()},
		{base: indexVirtualServers, mappings: genericMappings()},
		{base: indexPeers, mappings: genericMappings()},
		{base: indexPeerStatus, mappings: genericMappings()},
		{base: indexAudit, mappings: auditMappings()},
	}
}

// EnsureIndices asserts every index schema at init time. Idempotent: an
// existing index is left untouched unless recreate is set, in which case it
// is dropped and created fresh (destroying its documents).
func EnsureIndices(ctx context.Context, client *opensearch.Client, namespace string, dimensions int, recreate bool) error {
	for _, spec := range allIndexSpecs(dimensions) {
		name := indexName(spec.base, namespace)

		exists, err := indexExists(ctx, client, name)
		if err != nil {
			return err
		}

		if exists && recreate {
			res, err := opensearchapi.IndicesDeleteRequest{Index: []string{name}}.Do(ctx, client)
			if err != nil {
				return fmt.Errorf("failed to delete index %s: %w", name, err)
			}
			res.Body.Close()
			logging.Info("Repository", "Recreating index %s", name)
			exists = false
		}

		if exists {
			continue
		}

		body := map[string]interface{}{"mappings": spec.mappings}
		if spec.settings != nil {
			body["settings"] = spec.settings
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode index body for %s: %w", name, err)
		}

		res, err := opensearchapi.IndicesCreateRequest{
			Index: name,
			Body:  strings.NewReader(string(payload)),
		}.Do(ctx, client)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
		defer res.Body.Close()
		if res.IsError() {
			// A concurrent initializer may have won the race.
			if res.StatusCode == 400 && strings.Contains(res.String(), "resource_already_exists") {
				continue
			}
			return fmt.Errorf("failed to create index %s: %s", name, res.String())
		}
		logging.Info("Repository", "Created index %s", name)
	}
	return nil
}

func indexExists(ctx context.Context, client *opensearch.Client, name string) (bool, error) {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, client)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}
