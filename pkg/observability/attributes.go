package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

var (
	AttrOperation = attribute.Key("opsgate.operation")
	AttrErrorType = attribute.Key("error.type")

	AttrActionID     = attribute.Key("opsgate.action.id")
	AttrActionType   = attribute.Key("opsgate.action.type")
	AttrActionOrigin = attribute.Key("opsgate.action.origin")
	AttrActionStatus = attribute.Key("opsgate.action.status")
	AttrVote         = attribute.Key("opsgate.vote")

	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
	AttrHTTPPath   = attribute.Key("url.path")
)

// ActionAttrs describes the action an operation works on. Empty values
// are omitted.
func ActionAttrs(id, actionType string) []attribute.KeyValue {
	var out []attribute.KeyValue
	if id != "" {
		out = append(out, AttrActionID.String(id))
	}
	if actionType != "" {
		out = append(out, AttrActionType.String(actionType))
	}
	return out
}
