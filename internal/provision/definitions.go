package provision

import "strings"

// Built-in resource ids. Each id names both an ingest pipeline and an index
// template; the template routes its data streams through the pipeline.
const (
	ResultsID = "logs-tributary.results"
	LogsID    = "logs-tributary.logs"
	AuditID   = "logs-tributary.audit"
)

// Resource is the fixed definition installed for one unique id.
type Resource struct {
	UniqueID string
	Pipeline map[string]any
	// Template builds the index template body for the given patterns.
	Template func(uniqueID string, indexPatterns []string) map[string]any
}

var builtin = map[string]Resource{
	ResultsID: {
		UniqueID: ResultsID,
		Pipeline: map[string]any{
			"description": "Shapes orchestrator task results",
			"processors": []any{
				set("event.id", "{{{task_id}}}"),
				set("event.action", "{{{task_name}}}"),
				map[string]any{"set": map[string]any{
					"field": "event.outcome", "copy_from": "task_status", "ignore_empty_value": true,
				}},
				map[string]any{"lowercase": map[string]any{"field": "event.outcome", "ignore_missing": true}},
				copyField("task_result.message", "message"),
				copyField("task_result.trace_id", "trace.id"),
				copyField("task_result.transaction_id", "transaction.id"),
				copyField("task_result.error", "error.message"),
				map[string]any{"date": map[string]any{
					"field": "started", "formats": []string{"ISO8601"}, "target_field": "event.start",
					"ignore_failure": true,
				}},
				map[string]any{"date": map[string]any{
					"field": "updated", "formats": []string{"ISO8601"}, "target_field": "@timestamp",
					"ignore_failure": true,
				}},
			},
			"on_failure": []any{failureMessage()},
		},
		Template: func(id string, patterns []string) map[string]any {
			return template(id, patterns, map[string]any{
				"properties": map[string]any{
					"task_id":     map[string]any{"type": "keyword"},
					"task_name":   map[string]any{"type": "keyword"},
					"task_status": map[string]any{"type": "keyword"},
					"updated":     map[string]any{"type": "date"},
					"started":     map[string]any{"type": "date"},
					"task_result": map[string]any{"type": "flattened"},
					"args":        map[string]any{"type": "flattened"},
				},
			}, []string{"ecs@mappings"})
		},
	},
	LogsID: {
		UniqueID: LogsID,
		Pipeline: map[string]any{
			"description": "Parses JSON log lines written by the service",
			"processors": []any{
				jsonToRoot("message"),
				jsonToRoot("log"),
			},
			"on_failure": []any{failureMessage()},
		},
		Template: func(id string, patterns []string) map[string]any {
			return template(id, patterns, nil, []string{})
		},
	},
	AuditID: {
		UniqueID: AuditID,
		Pipeline: map[string]any{
			"description": "Enriches SaaS audit events",
			"processors": []any{
				// Pass-through sources carry their own time field and no
				// @timestamp, which a data stream requires.
				sourceTime("created_at"),
				sourceTime("timestamp"),
				sourceTime("attributes.time"),
				map[string]any{"set": map[string]any{
					"field": "@timestamp", "copy_from": "_ingest.timestamp", "override": false,
				}},
				set("event.ingested", "{{{_ingest.timestamp}}}"),
				map[string]any{"json": map[string]any{
					"field":        "message",
					"target_field": "audit",
					"if":           "ctx?.message instanceof String && ctx.message.startsWith('{')",
					"on_failure":   []any{tag("json_parse_failure")},
				}},
			},
			"on_failure": []any{failureMessage()},
		},
		Template: func(id string, patterns []string) map[string]any {
			return template(id, patterns, map[string]any{
				"properties": map[string]any{
					"tributary": map[string]any{"properties": map[string]any{
						"source":       map[string]any{"type": "keyword"},
						"window_start": map[string]any{"type": "date"},
						"window_end":   map[string]any{"type": "date"},
						"reference":    map[string]any{"type": "date"},
					}},
				},
			}, []string{"ecs@mappings"})
		},
	},
}

// Lookup returns the built-in definition for uniqueID.
func Lookup(uniqueID string) (Resource, bool) {
	r, ok := builtin[uniqueID]
	return r, ok
}

func template(id string, patterns []string, mappings map[string]any, composedOf []string) map[string]any {
	tmpl := map[string]any{
		"settings": map[string]any{"index": map[string]any{"default_pipeline": id}},
	}
	if mappings != nil {
		tmpl["mappings"] = mappings
	}
	return map[string]any{
		"priority":                           201,
		"index_patterns":                     patterns,
		"template":                           tmpl,
		"data_stream":                        map[string]any{"hidden": false, "allow_custom_routing": false},
		"composed_of":                        composedOf,
		"ignore_missing_component_templates": composedOf,
		"allow_auto_create":                  true,
	}
}

func set(field, value string) map[string]any {
	return map[string]any{"set": map[string]any{"field": field, "value": value, "ignore_empty_value": true}}
}

// copyField leaves the source field in place: task documents are read back
// as written.
func copyField(field, target string) map[string]any {
	return map[string]any{"set": map[string]any{
		"field": target, "copy_from": field, "ignore_empty_value": true, "ignore_failure": true,
	}}
}

// sourceTime parses field into @timestamp unless one is already set.
func sourceTime(field string) map[string]any {
	return map[string]any{"date": map[string]any{
		"field":          field,
		"formats":        []string{"ISO8601"},
		"target_field":   "@timestamp",
		"if":             "ctx['@timestamp'] == null && ctx." + strings.ReplaceAll(field, ".", "?.") + " != null",
		"ignore_failure": true,
	}}
}

func tag(value string) map[string]any {
	return map[string]any{"append": map[string]any{"field": "tags", "value": value}}
}

func jsonToRoot(field string) map[string]any {
	return map[string]any{"json": map[string]any{
		"field":       field,
		"add_to_root": true,
		"if":          "ctx?." + field + " != null",
		"on_failure":  []any{tag("json_parse_failure")},
	}}
}

func failureMessage() map[string]any {
	return map[string]any{"set": map[string]any{
		"field": "error.message",
		"value": `Processor "{{ _ingest.on_failure_processor_type }}" with tag "{{ _ingest.on_failure_processor_tag }}" in pipeline "{{ _ingest.on_failure_pipeline }}" failed with message "{{ _ingest.on_failure_message }}"`,
	}}
}
