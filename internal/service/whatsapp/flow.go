package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/domain/models"
	client "github.com/mamadbah2/wahook/pkg/clients/whatsapp"
)

// Screens of the built-in form flow.
const (
	ScreenForm    = "FORM"
	ScreenSummary = "SUMMARY"
	ScreenSuccess = "SUCCESS"
)

var errMissingFlowToken = errors.New("flow token is required")

// handleFlow drives a two step form: FORM collects fields, SUMMARY shows
// them back and confirming closes the flow.
func (b *Bot) handleFlow(_ context.Context, _ client.Client, req *models.FlowRequest) (any, error) {
	if req.FlowToken == "" {
		return nil, errMissingFlowToken
	}

	switch req.Action {
	case models.FlowActionInit:
		b.sessions.ClearSession(req.FlowToken)
		return screen(req, ScreenForm, map[string]any{}), nil

	case models.FlowActionBack:
		state := b.sessions.GetSession(req.FlowToken)
		return screen(req, ScreenForm, state.Fields), nil

	default:
		fields, err := decodeFields(req.Data)
		if err != nil {
			return nil, err
		}

		if req.Screen == ScreenSummary {
			state := b.sessions.GetSession(req.FlowToken)
			b.sessions.ClearSession(req.FlowToken)
			b.logger.Info("flow completed", zap.Int("fields", len(state.Fields)))
			return completion(req, state.Fields), nil
		}

		state := b.sessions.Merge(req.FlowToken, req.Screen, fields)
		return screen(req, ScreenSummary, state.Fields), nil
	}
}

func screen(req *models.FlowRequest, name string, data map[string]any) models.FlowScreenResponse {
	return models.FlowScreenResponse{Version: req.Version, Screen: name, Data: data}
}

// completion closes the flow and hands the collected fields back to the
// chat as the flow's response message.
func completion(req *models.FlowRequest, fields map[string]any) models.FlowScreenResponse {
	params := map[string]any{"flow_token": req.FlowToken}
	for k, v := range fields {
		params[k] = v
	}
	return screen(req, ScreenSuccess, map[string]any{
		"extension_message_response": map[string]any{"params": params},
	})
}

func decodeFields(raw json.RawMessage) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode flow data: %w", err)
	}
	return fields, nil
}
