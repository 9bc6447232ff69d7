package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/pkg/agent"
	"github.com/marinabox/marinabox/pkg/container"
	"github.com/marinabox/marinabox/pkg/session"
	"github.com/marinabox/marinabox/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu         sync.Mutex
	next       int
	terminated []string
}

func (f *fakeRuntime) Spawn(_ context.Context, req container.SpawnRequest) (*container.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &container.Instance{
		ID:          fmt.Sprintf("c%02d", f.next),
		Name:        fmt.Sprintf("marinabox-%02d", f.next),
		ControlPort: 8000 + f.next,
		DebugPort:   9000 + f.next,
		VNCPort:     5900 + f.next,
	}, nil
}

func (f *fakeRuntime) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

type fakeChannel struct {
	mu    sync.Mutex
	calls []tools.Endpoint
}

func (f *fakeChannel) Invoke(_ context.Context, endpoint tools.Endpoint, name string, _ map[string]any) (tools.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpoint)
	return tools.Result{Output: name + " ok"}, nil
}

// oneToolProvider asks for a single bash call, then finishes.
type oneToolProvider struct {
	calls int
}

func (p *oneToolProvider) Provider() string { return "fake" }

func (p *oneToolProvider) Call(_ context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.calls++
	if p.calls == 1 {
		return &agent.LLMResponse{Blocks: []agent.Block{
			&agent.ToolUseBlock{ID: "t1", Name: "bash", Input: map[string]any{"command": "ls"}},
		}}, nil
	}
	return &agent.LLMResponse{Blocks: []agent.Block{&agent.TextBlock{Text: "done"}}}, nil
}

type fakeCreator struct {
	mu       sync.Mutex
	provider agent.LLMProvider
	seen     []agent.ProviderConfig
	err      error
}

func (f *fakeCreator) NewProvider(_ context.Context, cfg agent.ProviderConfig) (agent.LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cfg)
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

type fixture struct {
	client  *Client
	runtime *fakeRuntime
	channel *fakeChannel
	creator *fakeCreator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Sessions.RecordingsDir = t.TempDir()
	cfg.Agent.Provider = agent.ProviderAnthropic
	cfg.Agent.Model = "claude-test"
	cfg.Credentials.AnthropicAPIKey = "sk-ant-test"

	store, err := session.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		runtime: &fakeRuntime{},
		channel: &fakeChannel{},
		creator: &fakeCreator{provider: &oneToolProvider{}},
	}
	client, err := New(cfg,
		WithStore(store),
		WithRuntime(f.runtime),
		WithChannel(f.channel),
		WithProviderCreator(f.creator),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	f.client = client
	return f
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = "gemini"

	_, err := New(cfg, WithRuntime(&fakeRuntime{}))
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.client.CreateSession(ctx, session.CreateRequest{Tag: "shop"})
	require.NoError(t, err)
	assert.Equal(t, session.EnvBrowser, sess.EnvType)

	got, err := f.client.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ControlPort, got.ControlPort)

	resolved, err := f.client.ResolveSession(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resolved.ID)

	_, err = f.client.UpdateTag(ctx, sess.ID, "checkout")
	require.NoError(t, err)

	list, err := f.client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "checkout", list[0].Tag)

	closed, err := f.client.StopSession(ctx, sess.ID, session.StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, closed.ID)

	_, err = f.client.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	archived, err := f.client.GetClosedSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "checkout", archived.Tag)

	all, err := f.client.ListClosedSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStopAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.client.CreateSession(ctx, session.CreateRequest{EnvType: session.EnvDesktop})
		require.NoError(t, err)
	}

	res, err := f.client.StopAllSessions(ctx, session.StopOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Len(t, res.Stopped, 3)
	assert.Len(t, f.runtime.terminated, 3)
}

func TestRunAgentByTag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.client.CreateSession(ctx, session.CreateRequest{Tag: "runner"})
	require.NoError(t, err)

	var kinds []agent.EventKind
	result, err := f.client.RunAgent(ctx, "runner", "list the files", RunOptions{
		OnEvent: func(ev agent.Event) { kinds = append(kinds, ev.Kind) },
	})
	require.NoError(t, err)

	assert.Equal(t, agent.StateDone, result.State)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, "done", result.FinalText())
	assert.Contains(t, kinds, agent.EventToolOutput)

	require.Len(t, f.channel.calls, 1)
	assert.Equal(t, sess.ControlEndpoint(), f.channel.calls[0])

	require.Len(t, f.creator.seen, 1)
	assert.Equal(t, "sk-ant-test", f.creator.seen[0].AnthropicAPIKey)
}

func TestRunAgentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.RunAgent(ctx, "missing", "task", RunOptions{})
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = f.client.RunAgent(ctx, "missing", "  ", RunOptions{})
	assert.ErrorIs(t, err, agent.ErrEmptyTask)

	for i := 0; i < 2; i++ {
		_, err := f.client.CreateSession(ctx, session.CreateRequest{Tag: "dup"})
		require.NoError(t, err)
	}
	_, err = f.client.RunAgent(ctx, "dup", "task", RunOptions{})
	assert.ErrorIs(t, err, session.ErrAmbiguousTag)
	assert.Empty(t, f.channel.calls)

	_, err = f.client.CreateSession(ctx, session.CreateRequest{Tag: "solo"})
	require.NoError(t, err)
	f.creator.err = errors.New("no credentials")
	_, err = f.client.RunAgent(ctx, "solo", "task", RunOptions{})
	assert.ErrorContains(t, err, "no credentials")
}

func TestSetProviderConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.CreateSession(ctx, session.CreateRequest{Tag: "t"})
	require.NoError(t, err)

	f.client.SetProviderConfig(agent.ProviderConfig{Provider: agent.ProviderOpenAI, OpenAIAPIKey: "sk-new"})
	f.creator.provider = &oneToolProvider{}

	_, err = f.client.RunAgent(ctx, "t", "task", RunOptions{MaxIterations: 1})
	require.NoError(t, err)

	require.Len(t, f.creator.seen, 1)
	assert.Equal(t, agent.ProviderOpenAI, f.creator.seen[0].Provider)
	assert.Equal(t, "sk-new", f.creator.seen[0].OpenAIAPIKey)
}

func TestReloadSwapsCredentials(t *testing.T) {
	f := newFixture(t)

	cfg := config.DefaultConfig()
	cfg.Credentials.AWS.AccessKeyID = "AKIA"
	cfg.Credentials.AWS.SecretAccessKey = "secret"
	f.client.Reload(cfg)

	agentCfg, pc := f.client.snapshot()
	assert.Equal(t, agent.ProviderBedrock, pc.Provider)
	assert.Equal(t, "AKIA", pc.AWS.AccessKeyID)
	assert.Equal(t, "us-west-2", pc.AWS.Region)
	assert.Equal(t, config.DefaultBedrockModel, agentCfg.Model)
}

func TestPagesRequireBrowserSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.client.CreateSession(ctx, session.CreateRequest{EnvType: session.EnvDesktop})
	require.NoError(t, err)

	_, err = f.client.ListPages(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotBrowserSession)

	_, err = f.client.Screenshot(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrNotBrowserSession)
}

func TestModelFor(t *testing.T) {
	assert.Equal(t, "m", modelFor(config.AgentConfig{Provider: "openai", Model: "m"}))
	assert.Equal(t, config.DefaultOpenAIModel, modelFor(config.AgentConfig{Provider: "openai"}))
	assert.Equal(t, config.DefaultAnthropicModel, modelFor(config.AgentConfig{Provider: "anthropic"}))
	assert.Equal(t, config.DefaultBedrockModel, modelFor(config.AgentConfig{Provider: "bedrock"}))
}

// slowProvider finishes every run in one call and records how many calls
// overlap.
type slowProvider struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *slowProvider) Provider() string { return "fake" }

func (p *slowProvider) Call(_ context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	return &agent.LLMResponse{Blocks: []agent.Block{&agent.TextBlock{Text: "done"}}}, nil
}

func TestRunAgentSerializesPerSession(t *testing.T) {
	f := newFixture(t)
	provider := &slowProvider{}
	f.creator.provider = provider
	ctx := context.Background()

	sess, err := f.client.CreateSession(ctx, session.CreateRequest{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.client.RunAgent(ctx, sess.ID, "task", RunOptions{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), provider.peak.Load())
}
