package publisher

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/maxpert/redoflow/delivery"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// recordKey returns the message key of a record: its primary key as JSON with
// sorted columns, or xid@position for tables without one
func recordKey(rec *delivery.Record) string {
	if len(rec.Key) > 0 {
		if data, err := json.Marshal(rec.Key); err == nil {
			return string(data)
		}
	}
	return rec.Xid + "@" + rec.Position.String()
}
