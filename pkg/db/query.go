package db

import (
	"fmt"
	"strings"

	"github.com/morezero/module-comms/pkg/eventstore"
)

const eventColumns = `event_id, name, event_type, aggregate_id, aggregate_type, version, sequence,
	correlation_id, causation_id, source, priority, tags, payload, occurred_at`

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }

// eventQuery builds a SELECT over comms_events for f. tagClause renders the
// tag containment predicate for the dialect given the placeholder of the tag.
func eventQuery(f eventstore.Filter, ph placeholder, tagClause func(arg string) string) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, ph(len(args))))
	}

	if f.AggregateID != "" {
		add("aggregate_id = %s", f.AggregateID)
	}
	if f.Name != "" {
		add("name = %s", f.Name)
	}
	if f.Type != "" {
		add("event_type = %s", string(f.Type))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		where = append(where, tagClause(ph(len(args))))
	}
	if f.FromVersion > 0 {
		add("version >= %s", f.FromVersion)
	}
	if f.ToVersion > 0 {
		add("version <= %s", f.ToVersion)
	}

	q := "SELECT " + eventColumns + " FROM comms_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.AggregateID != "" {
		q += " ORDER BY version"
	} else {
		q += " ORDER BY position"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + ph(len(args))
	}
	return q, args
}
