package messaging

import (
	"strings"

	"github.com/iancoleman/strcase"
)

// QueueNameFromType derives a queue name from a queue type name:
// the Queue suffix is dropped and the rest is kebab-cased, so
// CustomerIoWebhookQueue becomes customer-io-webhook.
func QueueNameFromType(typeName string) string {
	base := strings.TrimSuffix(typeName, "Queue")
	if base == "" {
		base = typeName
	}
	return strcase.ToKebab(base)
}
