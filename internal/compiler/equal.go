package compiler

import "reflect"

// equalSnapshot reports whether two payload values are the same delivered
// value for change-detection purposes (spec §4.2 step 9, §9 Open Question:
// compares the post-transform payload, i.e. whatever the handler would
// actually receive).
func equalSnapshot(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
