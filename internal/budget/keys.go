package budget

import "fmt"

// usageKey namespaces a scope's usage counter in the coordination store.
func usageKey(scopeID string) string {
	return fmt.Sprintf("convoy:budget:%s:usage", scopeID)
}
