package dispatcher

import "github.com/basket/go-claw/internal/model"

// ResolveModel picks the model a dispatch should use, first hit wins:
//  1. Task labels forceOverrideBotModel=true + modelId=<name>.
//  2. Bot config bind_model (if non-empty).
//  3. Task label modelId even without forceOverride.
//  4. Bot's static modelRef.
//
// The decision on retry with force_override_bot_model unset lives in
// internal/gateway (it decides what labels to write
// before re-dispatch); this function only implements the steady-state
// order once those labels are set.
func ResolveModel(task model.Task, bot model.Bot) (name string, bindType model.BindModelType) {
	if task.Labels.ForceOverrideBotModel && task.Labels.ModelID != "" {
		return task.Labels.ModelID, model.BindModelPublic
	}
	if bot.BindModel != "" {
		return bot.BindModel, bot.BindModelType
	}
	if task.Labels.ModelID != "" {
		return task.Labels.ModelID, model.BindModelPublic
	}
	return bot.ModelRef, model.BindModelPublic
}
