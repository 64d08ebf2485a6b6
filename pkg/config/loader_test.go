package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/master-control/mcp/pkg/models"
)

func TestInitializeBuiltinsOnly(t *testing.T) {
	// Empty directory, so everything comes from built-ins.
	configDir := t.TempDir()

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.NotNil(t, cfg.TemplateRegistry)
	assert.NotNil(t, cfg.AgentRegistry)
	assert.NotNil(t, cfg.Settings)

	// All five built-in templates are registered.
	for _, name := range []string{"standard_query", "simple_lookup", "complex_research", "web_enhanced", "quick_answer"} {
		tpl, err := cfg.TemplateRegistry.Get(name)
		require.NoError(t, err, "template %s", name)
		assert.Equal(t, name, tpl.Name)
		assert.Equal(t, models.StageResponsePackaging, tpl.Stages[len(tpl.Stages)-1])
	}

	assert.Equal(t, 300, cfg.Settings.StageTimeoutSeconds)
	assert.Equal(t, 5, cfg.Settings.AdaptiveTimeoutSeconds)
	assert.Equal(t, 600, cfg.Settings.TaskTTLSeconds)
	assert.Equal(t, 1, cfg.Settings.BrokerPrefetch)
	assert.Equal(t, 1000, cfg.Settings.QueueMaxLength)
	assert.Equal(t, 7, cfg.Settings.CleanupRetentionDays)
	assert.Equal(t, "standard_query", cfg.Settings.DAGDefaultTemplate)
	assert.Equal(t, 1, cfg.Settings.RetriesOnTimeout())
	assert.Equal(t, 0, cfg.Settings.RetriesOnFailure())

	stats := cfg.Stats()
	assert.Equal(t, 5, stats.Templates)
	assert.Equal(t, 5, stats.Agents)
}

func TestInitializeUserOverrides(t *testing.T) {
	configDir := t.TempDir()

	userYAML := `
settings:
  stage_timeout_seconds: 120
  dag_default_template: quick_answer
templates:
  two_step:
    description: "custom flow"
    stages:
      - embedding_lookup
      - response_packaging
    estimated_duration_ms: 1500
agents:
  embedding_agent:
    description: "tuned embedding agent"
    stage: embedding_lookup
    process_timeout_seconds: 30
`
	err := os.WriteFile(filepath.Join(configDir, "mcp.yaml"), []byte(userYAML), 0644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)

	// Settings: overridden value wins, untouched defaults remain.
	assert.Equal(t, 120, cfg.Settings.StageTimeoutSeconds)
	assert.Equal(t, "quick_answer", cfg.Settings.DAGDefaultTemplate)
	assert.Equal(t, 600, cfg.Settings.TaskTTLSeconds)

	// Custom template is registered alongside built-ins.
	tpl, err := cfg.TemplateRegistry.Get("two_step")
	require.NoError(t, err)
	assert.Equal(t, "two_step", tpl.Name)
	assert.Equal(t, []string{"embedding_lookup", "response_packaging"}, tpl.Stages)

	// Agent override replaces the built-in definition.
	agent, err := cfg.AgentRegistry.Get("embedding_agent")
	require.NoError(t, err)
	assert.Equal(t, 30, agent.ProcessTimeoutSeconds)
}

func TestInitializeEnvExpansion(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("TEST_STAGE_TIMEOUT", "45")

	userYAML := `
settings:
  stage_timeout_seconds: {{.TEST_STAGE_TIMEOUT}}
`
	err := os.WriteFile(filepath.Join(configDir, "mcp.yaml"), []byte(userYAML), 0644)
	require.NoError(t, err)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Settings.StageTimeoutSeconds)
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := t.TempDir()
	err := os.WriteFile(filepath.Join(configDir, "mcp.yaml"), []byte(":\n  - ["), 0644)
	require.NoError(t, err)

	_, err = Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestValidateRejectsBadTemplates(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing packaging stage",
			yaml: `
templates:
  broken:
    stages:
      - intent_analysis
`,
			want: "last stage must be response_packaging",
		},
		{
			name: "unknown stage",
			yaml: `
templates:
  broken:
    stages:
      - summon_unicorns
      - response_packaging
`,
			want: "unknown stage",
		},
		{
			name: "duplicate stage",
			yaml: `
templates:
  broken:
    stages:
      - embedding_lookup
      - embedding_lookup
      - response_packaging
`,
			want: "appears twice",
		},
		{
			name: "unknown default template",
			yaml: `
settings:
  dag_default_template: does_not_exist
`,
			want: "dag_default_template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configDir := t.TempDir()
			err := os.WriteFile(filepath.Join(configDir, "mcp.yaml"), []byte(tt.yaml), 0644)
			require.NoError(t, err)

			_, err = Initialize(context.Background(), configDir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTemplateRegistryReturnsCopies(t *testing.T) {
	registry := NewTemplateRegistry(GetBuiltinConfig().Templates)

	first, err := registry.Get("standard_query")
	require.NoError(t, err)
	first.Stages[0] = "mutated"

	second, err := registry.Get("standard_query")
	require.NoError(t, err)
	assert.Equal(t, models.StageIntentAnalysis, second.Stages[0])
}
