package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ProfileColumns lists the user_psychographics columns the profile reader
// understands, in snapshot order. Deployments may carry any subset.
var ProfileColumns = []string{
	"primary_role",
	"primary_company",
	"preferred_contact_style",
	"notable_topics",
	"generated_bio_professional",
	"generated_bio_personal",
	"tone",
	"professionalism",
	"verbosity",
	"decision_style",
	"seniority_signal",
	"based_in",
	"attended_events",
	"driving_values",
	"pain_points",
	"connection_requests",
	"deep_skills",
	"technical_specifics",
	"affiliations",
	"commercial_archetype",
	"group_tags",
	"peak_hours",
	"active_days",
	"most_active_days",
	"total_messages",
	"avg_msg_length",
	"last_active_days",
	"top_conversation_partners",
	"fifo",
	"role_company_timeline",
}

// LegacyProfileColumns maps older column names to their canonical name. A
// legacy column is read only when the canonical one is missing.
var LegacyProfileColumns = map[string]string{
	"total_msgs": "total_messages",
}

// Capabilities records which optional tables and columns exist. It is
// resolved once per process and passed by value to the stores.
type Capabilities struct {
	// BaseProfile is true when user_psychographics exists.
	BaseProfile bool

	// ProfileColumns is the intersection of ProfileColumns with the
	// columns actually present, in canonical order.
	ProfileColumns []string

	// ProfileAliases maps a present legacy column to the canonical column it
	// stands in for.
	ProfileAliases map[string]string

	ProfileState  bool
	ProfileEvents bool
	Feedback      bool

	// StateVersion is true when dm_profile_state carries the version
	// column used for compare-and-swap saves.
	StateVersion bool
}

// HasProfileColumn reports whether the named base-profile column exists.
func (c Capabilities) HasProfileColumn(name string) bool {
	for _, col := range c.ProfileColumns {
		if col == name {
			return true
		}
	}
	return false
}

// AllCapabilities is what a fully migrated schema provides.
func AllCapabilities() Capabilities {
	cols := make([]string, len(ProfileColumns))
	copy(cols, ProfileColumns)
	return Capabilities{
		BaseProfile:    true,
		ProfileColumns: cols,
		ProfileState:   true,
		ProfileEvents:  true,
		Feedback:       true,
		StateVersion:   true,
	}
}

// ProbeCapabilities inspects the schema of an open database.
func ProbeCapabilities(ctx context.Context, db *sql.DB, backend BackendType) (Capabilities, error) {
	var caps Capabilities

	has := func(table string) (bool, error) {
		cols, err := tableColumns(ctx, db, backend, table)
		return len(cols) > 0, err
	}

	profileCols, err := tableColumns(ctx, db, backend, "user_psychographics")
	if err != nil {
		return caps, err
	}
	if len(profileCols) > 0 {
		caps.BaseProfile = true
		for _, col := range ProfileColumns {
			if profileCols[col] {
				caps.ProfileColumns = append(caps.ProfileColumns, col)
			}
		}
		for legacy, canonical := range LegacyProfileColumns {
			if profileCols[legacy] && !profileCols[canonical] {
				if caps.ProfileAliases == nil {
					caps.ProfileAliases = make(map[string]string)
				}
				caps.ProfileAliases[legacy] = canonical
			}
		}
	}

	stateCols, err := tableColumns(ctx, db, backend, "dm_profile_state")
	if err != nil {
		return caps, err
	}
	caps.ProfileState = len(stateCols) > 0
	caps.StateVersion = stateCols["version"]

	if caps.ProfileEvents, err = has("dm_profile_update_events"); err != nil {
		return caps, err
	}
	if caps.Feedback, err = has("dm_feedback"); err != nil {
		return caps, err
	}
	return caps, nil
}

// tableColumns returns the column set of a table, empty when it is absent.
func tableColumns(ctx context.Context, db *sql.DB, backend BackendType, table string) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch backend {
	case BackendPostgreSQL:
		rows, err = db.QueryContext(ctx, `
			SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1`, table)
	default:
		rows, err = db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	}
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
