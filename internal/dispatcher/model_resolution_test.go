package dispatcher

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/model"
)

func TestResolveModel_ForceOverrideWins(t *testing.T) {
	task := model.Task{Labels: model.TaskLabels{ForceOverrideBotModel: true, ModelID: "gpt-5"}}
	bot := model.Bot{BindModel: "claude-ghost", ModelRef: "claude-default"}

	name, _ := ResolveModel(task, bot)
	assert.Equal(t, name, "gpt-5")
}

func TestResolveModel_BindModelWinsOverLabel(t *testing.T) {
	task := model.Task{Labels: model.TaskLabels{ModelID: "gpt-5"}}
	bot := model.Bot{BindModel: "claude-ghost", BindModelType: model.BindModelUser, ModelRef: "claude-default"}

	name, bindType := ResolveModel(task, bot)
	assert.Equal(t, name, "claude-ghost")
	assert.Equal(t, bindType, model.BindModelUser)
}

func TestResolveModel_LabelWithoutForceStillWins(t *testing.T) {
	task := model.Task{Labels: model.TaskLabels{ModelID: "gpt-5"}}
	bot := model.Bot{ModelRef: "claude-default"}

	name, _ := ResolveModel(task, bot)
	assert.Equal(t, name, "gpt-5")
}

func TestResolveModel_FallsBackToBotStaticRef(t *testing.T) {
	task := model.Task{}
	bot := model.Bot{ModelRef: "claude-default"}

	name, _ := ResolveModel(task, bot)
	assert.Equal(t, name, "claude-default")
}
