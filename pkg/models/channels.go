package models

import "fmt"

// Event channel names. These are literal wire strings shared by the broker,
// the task store, and every subscriber; changing one desynchronizes running
// agents.
const (
	ChannelResponseReady = "ai:response:ready"

	// ReactChannelPattern matches every per-task ReAct channel.
	ReactChannelPattern = "ai:react:*"
)

// Per-stage completion channels.
var completionChannels = map[string]string{
	StageIntentAnalysis:    "ai:intent:complete",
	StageEmbeddingLookup:   "ai:embedding:complete",
	StageExecutorReasoning: "ai:execution:complete",
	StageModeration:        "ai:moderation:complete",
	StageWebSearch:         "ai:websearch:complete",
}

// CompletionChannelForStage returns the completion channel for a stage,
// or "" for stages that complete locally (response_packaging).
func CompletionChannelForStage(stage string) string {
	return completionChannels[stage]
}

// ReactChannel returns the per-task agent ReAct channel.
func ReactChannel(taskID string) string {
	return fmt.Sprintf("ai:react:%s", taskID)
}

// ProgressChannel returns the per-task coordinator progress channel.
func ProgressChannel(taskID string) string {
	return fmt.Sprintf("ai:progress:%s", taskID)
}

// FrontendStreamChannel returns the per-task channel the frontend gateway
// subscribes to for normalized live updates.
func FrontendStreamChannel(taskID string) string {
	return fmt.Sprintf("frontend:stream:%s", taskID)
}

// TaskIDFromReactChannel extracts the task id from an ai:react:{id} channel
// name. Returns "" if the channel does not match the pattern.
func TaskIDFromReactChannel(channel string) string {
	const prefix = "ai:react:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return ""
	}
	return channel[len(prefix):]
}
