package protocol

import (
	json "github.com/goccy/go-json"

	"github.com/yasunoritani/manxo-bridge/internal/model"
)

func marshalEvent(ev *model.StateEvent) ([]byte, error) {
	return json.Marshal(ev)
}
