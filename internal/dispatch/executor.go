package dispatch

import (
	"context"
	"fmt"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// EchoAgent is the built-in agent collaborator used when no external
// execution service is wired in. It reflects the message back, which
// keeps the full chat round-trip exercisable in development.
type EchoAgent struct{}

var _ interfaces.AgentExecutor = EchoAgent{}

func (EchoAgent) ExecuteChat(_ context.Context, req *types.ChatRequest) (*types.ChatResult, error) {
	return &types.ChatResult{
		ConversationID: req.ConversationID,
		Response:       fmt.Sprintf("echo: %s", req.Message),
	}, nil
}

// EchoSkill is the built-in skill collaborator counterpart to EchoAgent.
type EchoSkill struct{}

var _ interfaces.SkillExecutor = EchoSkill{}

func (EchoSkill) ExecuteSkill(_ context.Context, req *types.SkillRequest) (*types.SkillResult, error) {
	return &types.SkillResult{
		SkillID: req.SkillID,
		Output:  req.Parameters,
	}, nil
}
