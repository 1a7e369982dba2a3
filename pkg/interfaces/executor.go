package interfaces

import (
	"context"

	"relay/pkg/types"
)

// AgentExecutor is the collaborator boundary for chat execution. The core
// only acknowledges receipt and delivers the eventual result back to the
// originating connection or session; no agent business logic lives here.
type AgentExecutor interface {
	ExecuteChat(ctx context.Context, req *types.ChatRequest) (*types.ChatResult, error)
}

// SkillExecutor is the collaborator boundary for skill execution.
type SkillExecutor interface {
	ExecuteSkill(ctx context.Context, req *types.SkillRequest) (*types.SkillResult, error)
}
