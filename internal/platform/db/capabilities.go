package db

import (
	"context"
	"fmt"
)

// Capabilities records which optional host tables exist in a tenant schema.
// It is detected once at startup and handed to the services that need it.
type Capabilities struct {
	ItemMetadata bool `json:"item_metadata"`
	NativeRules  bool `json:"native_rules"`
}

var nativeRuleTables = []string{"rule_set_rule", "rule_set", "rule", "rule_expression"}

// DetectCapabilities inspects information_schema for the legacy item metadata
// table and the native rule engine tables.
func DetectCapabilities(ctx context.Context, q Querier, schema string) (Capabilities, error) {
	var caps Capabilities

	ok, err := tableExists(ctx, q, schema, "item_form_metadata")
	if err != nil {
		return caps, err
	}
	caps.ItemMetadata = ok

	caps.NativeRules = true
	for _, table := range nativeRuleTables {
		ok, err := tableExists(ctx, q, schema, table)
		if err != nil {
			return caps, err
		}
		if !ok {
			caps.NativeRules = false
			break
		}
	}
	return caps, nil
}

func tableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}
