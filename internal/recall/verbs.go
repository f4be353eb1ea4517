package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Verbs are tried in order until one reports success
var Verbs = []string{"DELETE_MSG", "delete_msg", "RECALL_MSG", "recall_msg"}

func (s *Scheduler) recall(ctx context.Context, chatID, messageID string) (string, error) {
	var errs error
	for _, verb := range Verbs {
		result, err := s.commander.SendCommand(ctx, verb, map[string]any{
			"message_id": messageID,
			"chat_id":    chatID,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", verb, err))
			continue
		}
		if Succeeded(result) {
			return verb, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: unsuccessful result %v", verb, result))
	}
	return "", errs
}

// Succeeded interprets a command result: true, a status of ok/success, or a
// zero retcode
func Succeeded(result any) bool {
	switch r := result.(type) {
	case bool:
		return r
	case map[string]any:
		if st, ok := r["status"]; ok {
			switch strings.ToLower(strings.TrimSpace(fmt.Sprint(st))) {
			case "ok", "success":
				return true
			}
		}
		if code, ok := r["retcode"]; ok {
			return isZero(code)
		}
	case map[string]string:
		switch strings.ToLower(strings.TrimSpace(r["status"])) {
		case "ok", "success":
			return true
		}
		if code, ok := r["retcode"]; ok {
			return strings.TrimSpace(code) == "0"
		}
	}
	return false
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int8:
		return n == 0
	case int16:
		return n == 0
	case int32:
		return n == 0
	case int64:
		return n == 0
	case uint:
		return n == 0
	case uint8:
		return n == 0
	case uint16:
		return n == 0
	case uint32:
		return n == 0
	case uint64:
		return n == 0
	case float32:
		return n == 0
	case float64:
		return n == 0
	case json.Number:
		f, err := n.Float64()
		return err == nil && f == 0
	}
	return false
}
