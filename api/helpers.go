package api

import (
	"encoding/json"

	"github.com/xiaot623/assist/domain"
)

func pendingFromJSON(raw json.RawMessage, out *domain.PendingCall) error {
	return json.Unmarshal(raw, out)
}
