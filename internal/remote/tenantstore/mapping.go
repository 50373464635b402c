package tenantstore

import (
	"encoding/json"
	"sort"
)

// tablePriority orders a batch by referential dependency: rows that other
// rows point at apply first, regardless of the order the client enqueued
// them in.
var tablePriority = map[string]int{
	"locations":          1,
	"users":              2,
	"suppliers":          2,
	"assets":             3,
	"movements":          4,
	"inventory_sessions": 4,
}

const defaultPriority = 99

// allowedTables is the injection and tenant-isolation boundary: an
// operation naming any other table is rejected per-item.
var allowedTables = map[string]bool{
	"assets":             true,
	"locations":          true,
	"users":              true,
	"suppliers":          true,
	"movements":          true,
	"inventory_sessions": true,
}

// fieldMap translates client-native attribute names to the remote
// schema's column names. Unlisted attributes fall through to the
// known-column allow-list and, failing that, to the overflow bucket.
var fieldMap = map[string]map[string]string{
	"assets": {
		"state":         "condition_grade",
		"locationId":    "location_id",
		"responsibleId": "responsible_id",
		"purchaseDate":  "acquired_on",
		"serialNumber":  "serial_no",
		"imageUrl":      "image_url",
		"assetTag":      "asset_tag",
	},
	"locations": {
		"parentId": "parent_id",
	},
	"users": {
		"name":      "full_name",
		"avatarUrl": "avatar_url",
	},
	"suppliers": {
		"supplierType": "supplier_type",
		"taxId":        "tax_id",
	},
	"movements": {
		"assetId":        "asset_id",
		"fromLocationId": "from_location_id",
		"toLocationId":   "to_location_id",
		"responsibleId":  "responsible_id",
		"requestDate":    "moved_on",
	},
	"inventory_sessions": {
		"responsibleId":       "responsible_id",
		"startDate":           "started_on",
		"endDate":             "ended_on",
		"totalAssetsExpected": "expected_count",
		"totalAssetsScanned":  "scanned_count",
	},
}

// knownColumns is the per-table column allow-list. Mapped attributes with
// no entry here are serialized into extra_data instead of becoming SQL
// identifiers.
var knownColumns = map[string]map[string]bool{
	"assets": cols("id", "tenant_id", "name", "description", "value", "category",
		"condition_grade", "location_id", "responsible_id", "acquired_on",
		"serial_no", "model", "manufacturer", "image_url", "asset_tag",
		"extra_data", "is_deleted"),
	"locations": cols("id", "tenant_id", "name", "address", "parent_id",
		"extra_data", "is_deleted"),
	"users": cols("id", "tenant_id", "full_name", "email", "avatar_url", "role",
		"extra_data", "is_deleted"),
	"suppliers": cols("id", "tenant_id", "name", "supplier_type", "tax_id",
		"extra_data", "is_deleted"),
	"movements": cols("id", "tenant_id", "asset_id", "from_location_id",
		"to_location_id", "responsible_id", "moved_on", "extra_data", "is_deleted"),
	"inventory_sessions": cols("id", "tenant_id", "name", "responsible_id",
		"started_on", "ended_on", "expected_count", "scanned_count",
		"extra_data", "is_deleted"),
}

// healableRefs lists, per table, the location/parent reference columns a
// foreign-key auto-heal may null out.
var healableRefs = map[string][]string{
	"assets":    {"location_id"},
	"locations": {"parent_id"},
	"movements": {"from_location_id", "to_location_id"},
}

// blockedAttrs are client-side bookkeeping flags that must never reach
// the remote store.
var blockedAttrs = map[string]bool{
	"isPending": true,
	"isSynced":  true,
}

// reverseFieldMap is built from fieldMap for the pull path.
var reverseFieldMap = func() map[string]map[string]string {
	rev := make(map[string]map[string]string, len(fieldMap))
	for table, m := range fieldMap {
		r := make(map[string]string, len(m))
		for client, column := range m {
			r[column] = client
		}
		rev[table] = r
	}
	return rev
}()

func cols(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// sortByDependency stably reorders operations so parent tables apply
// before tables referencing them. Enqueue order is preserved within a
// table.
func sortByDependency[T any](ops []T, table func(T) string) {
	sort.SliceStable(ops, func(i, j int) bool {
		return priorityOf(table(ops[i])) < priorityOf(table(ops[j]))
	})
}

func priorityOf(table string) int {
	if p, ok := tablePriority[table]; ok {
		return p
	}
	return defaultPriority
}

// mapPayload translates client attribute names to remote columns and
// splits the result into column values and overflow attributes. Overflow
// keys keep their original client-native names.
func mapPayload(table string, payload map[string]any) (row map[string]any, overflow map[string]any) {
	row = make(map[string]any)
	overflow = make(map[string]any)
	names := fieldMap[table]
	known := knownColumns[table]

	for k, v := range payload {
		if blockedAttrs[k] {
			continue
		}
		column := k
		if mapped, ok := names[k]; ok {
			column = mapped
		}
		if known[column] && column != "extra_data" {
			row[column] = v
		} else {
			overflow[k] = v
		}
	}
	return row, overflow
}

// mergeOverflow merges new overflow attributes into an existing
// serialized bucket (read-merge-write, partial updates never clobber
// previously stored dynamic attributes) and returns the new JSON.
func mergeOverflow(existing string, updates map[string]any) (string, error) {
	merged := make(map[string]any)
	if existing != "" {
		// A corrupt bucket is replaced rather than blocking the write.
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range updates {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// clientRecord re-maps a remote row to client-native attribute names and
// unpacks the overflow bucket for the pull path.
func clientRecord(table string, row map[string]any) map[string]any {
	rev := reverseFieldMap[table]
	out := make(map[string]any, len(row))

	for column, v := range row {
		switch column {
		case "tenant_id", "is_deleted", "created_at", "updated_at":
			continue
		case "extra_data":
			raw, _ := v.(string)
			if raw == "" {
				continue
			}
			var overflow map[string]any
			if err := json.Unmarshal([]byte(raw), &overflow); err == nil {
				for k, ov := range overflow {
					out[k] = ov
				}
			}
			continue
		}
		if client, ok := rev[column]; ok {
			out[client] = v
		} else {
			out[column] = v
		}
	}
	return out
}
