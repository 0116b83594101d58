package audit

import (
	"reflect"
	"sort"
)

// ChangedFields returns the sorted keys present in either map whose values
// differ. A key missing on one side counts as changed.
func ChangedFields(before, after FieldMap) []string {
	changed := make([]string, 0)
	for k, bv := range before {
		av, ok := after[k]
		if !ok || !reflect.DeepEqual(bv, av) {
			changed = append(changed, k)
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
