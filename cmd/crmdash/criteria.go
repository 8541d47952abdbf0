package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/view"
)

// addCriteriaFlags registers the filter and sort flags shared by list and
// export.
func addCriteriaFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("search", "s", "", "case-insensitive text search, including source code")
	f.String("category", "", "functions: keep only this category")
	f.String("partition", "all", "scripts: all, module, commands or static")
	f.String("module", "", "scripts: keep only this module")
	f.String("page", "", "scripts: keep only this page definition")
	f.String("event", "", "scripts: keep only this event")
	f.String("status", "", "scripts: active or inactive")
	f.String("since", "", "modified since, e.g. 2024-05-01, 7d or \"last week\"")
	f.String("sort", "modified", "sort by name, modified, created, category (functions), page or event (scripts)")
	f.Bool("offline", false, "read the local cache only, without contacting the CRM")
}

var (
	functionSorts = []view.SortKey{view.SortName, view.SortCategory, view.SortCreated, view.SortModified}
	scriptSorts   = []view.SortKey{view.SortName, view.SortPage, view.SortEvent, view.SortCreated, view.SortModified}
)

func parseSort(s string, allowed []view.SortKey) (view.SortKey, error) {
	key := view.SortKey(strings.ToLower(strings.TrimSpace(s)))
	if key == "" {
		return view.SortModified, nil
	}
	for _, k := range allowed {
		if k == key {
			return key, nil
		}
	}
	names := make([]string, len(allowed))
	for i, k := range allowed {
		names[i] = string(k)
	}
	return "", fmt.Errorf("invalid sort %q (want %s)", s, strings.Join(names, ", "))
}

func functionCriteria(cmd *cobra.Command, now time.Time) (view.FunctionCriteria, error) {
	f := cmd.Flags()
	search, _ := f.GetString("search")
	category, _ := f.GetString("category")
	sinceStr, _ := f.GetString("since")
	sortStr, _ := f.GetString("sort")

	since, err := parseSince(sinceStr, now)
	if err != nil {
		return view.FunctionCriteria{}, err
	}
	sort, err := parseSort(sortStr, functionSorts)
	if err != nil {
		return view.FunctionCriteria{}, err
	}
	return view.FunctionCriteria{
		Text:     search,
		Category: category,
		Since:    since,
		Sort:     sort,
	}, nil
}

func scriptCriteria(cmd *cobra.Command, now time.Time) (view.ScriptCriteria, error) {
	f := cmd.Flags()
	search, _ := f.GetString("search")
	partStr, _ := f.GetString("partition")
	module, _ := f.GetString("module")
	page, _ := f.GetString("page")
	event, _ := f.GetString("event")
	statusStr, _ := f.GetString("status")
	sinceStr, _ := f.GetString("since")
	sortStr, _ := f.GetString("sort")

	var c view.ScriptCriteria
	part, err := parsePartition(partStr)
	if err != nil {
		return c, err
	}
	status, err := parseStatus(statusStr)
	if err != nil {
		return c, err
	}
	since, err := parseSince(sinceStr, now)
	if err != nil {
		return c, err
	}
	sort, err := parseSort(sortStr, scriptSorts)
	if err != nil {
		return c, err
	}
	return view.ScriptCriteria{
		Text:      search,
		Partition: part,
		Module:    module,
		Page:      page,
		Event:     event,
		Status:    status,
		Since:     since,
		Sort:      sort,
	}, nil
}

func parsePartition(s string) (view.Partition, error) {
	p := view.Partition(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return view.PartitionAll, nil
	}
	for _, known := range view.Partitions {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid partition %q (want all, module, commands or static)", s)
}

func parseStatus(s string) (view.Status, error) {
	switch view.Status(strings.ToLower(strings.TrimSpace(s))) {
	case view.StatusAny, "all":
		return view.StatusAny, nil
	case view.StatusActive:
		return view.StatusActive, nil
	case view.StatusInactive:
		return view.StatusInactive, nil
	default:
		return "", fmt.Errorf("invalid status %q (want active or inactive)", s)
	}
}

// projectFunctions filters and sorts the published functions.
func (a *app) projectFunctions(c view.FunctionCriteria) []schema.Function {
	return a.projector.Functions(a.state.Functions(), c)
}

// projectScripts filters and sorts the published scripts and returns the
// partition size the result was drawn from.
func (a *app) projectScripts(c view.ScriptCriteria) ([]schema.Script, map[string]schema.ScriptDetail, int) {
	set := a.state.Scripts()
	if set == nil {
		return nil, nil, 0
	}
	return a.projector.Scripts(set.Scripts, set.Details, c), set.Details, view.PartitionCount(set.Scripts, c.Partition)
}
