package sdk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/marinabox/marinabox/pkg/agent"
	"github.com/marinabox/marinabox/pkg/browser"
	"github.com/marinabox/marinabox/pkg/commandqueue"
	"github.com/marinabox/marinabox/pkg/container"
	"github.com/marinabox/marinabox/pkg/session"
	"github.com/marinabox/marinabox/pkg/tools"
	"github.com/rs/zerolog"
)

// ErrNotBrowserSession is returned by tab operations on a desktop session.
var ErrNotBrowserSession = errors.New("session is not a browser session")

// Client is the programmatic surface over sessions and agent runs.
type Client struct {
	manager   *session.Manager
	store     session.Store
	ownsStore bool
	runtime   container.Runtime
	channel   tools.Channel
	inspector *browser.Inspector
	runs      *commandqueue.CommandQueue
	providers agent.ProviderCreator
	logger    zerolog.Logger

	mu        sync.RWMutex
	agentCfg  config.AgentConfig
	providerC agent.ProviderConfig
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	store     session.Store
	runtime   container.Runtime
	channel   tools.Channel
	providers agent.ProviderCreator
	logger    *zerolog.Logger
	now       func() time.Time
}

// WithStore uses store instead of opening the configured one. The caller
// keeps ownership and Close leaves it open.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRuntime replaces the docker runtime.
func WithRuntime(runtime container.Runtime) Option {
	return func(o *options) { o.runtime = runtime }
}

// WithChannel replaces the HTTP tool channel.
func WithChannel(channel tools.Channel) Option {
	return func(o *options) { o.channel = channel }
}

// WithProviderCreator replaces the model provider factory.
func WithProviderCreator(providers agent.ProviderCreator) Option {
	return func(o *options) { o.providers = providers }
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithClock overrides the time source of the session manager.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a client from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}

	c := &Client{
		store:     o.store,
		runtime:   o.runtime,
		channel:   o.channel,
		providers: o.providers,
		logger:    logger.With().Str("component", "sdk").Logger(),
		agentCfg:  cfg.Agent,
		providerC: ProviderConfigFromCredentials(cfg.Agent.Provider, cfg.Credentials),
	}

	if c.store == nil {
		store, err := session.OpenStore(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	if c.runtime == nil {
		docker := cfg.Sessions.Docker
		rt, err := container.NewDockerRuntime(container.DockerConfig{
			Binary:         docker.Binary,
			BrowserImage:   docker.BrowserImage,
			DesktopImage:   docker.DesktopImage,
			Network:        docker.Network,
			ExtraArgs:      docker.ExtraArgs,
			RecordingGrace: time.Duration(docker.RecordingGraceSeconds) * time.Second,
			Logger:         logger,
		})
		if err != nil {
			c.closeStore()
			return nil, fmt.Errorf("failed to create container runtime: %w", err)
		}
		c.runtime = rt
	}

	if c.channel == nil {
		c.channel = tools.NewHTTPChannel(nil)
	}
	if c.providers == nil {
		c.providers = &agent.ProviderFactory{}
	}

	recordEnv := make([]session.EnvType, 0, len(cfg.Sessions.RecordEnvTypes))
	for _, env := range cfg.Sessions.RecordEnvTypes {
		recordEnv = append(recordEnv, session.EnvType(env))
	}

	manager, err := session.NewManager(session.ManagerConfig{
		Store:          c.store,
		Runtime:        c.runtime,
		RecordingsDir:  cfg.Sessions.RecordingsDir,
		RecordEnvTypes: recordEnv,
		Logger:         logger,
		Now:            o.now,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.manager = manager
	c.inspector = browser.NewInspector(logger)
	c.runs = commandqueue.New(logger)

	return c, nil
}

// ProviderConfigFromCredentials maps stored credentials onto a provider config.
func ProviderConfigFromCredentials(provider string, creds config.CredentialsConfig) agent.ProviderConfig {
	return agent.ProviderConfig{
		Provider:        provider,
		AnthropicAPIKey: creds.AnthropicAPIKey,
		OpenAIAPIKey:    creds.OpenAIAPIKey,
		AWS: agent.AWSCredentials{
			AccessKeyID:     creds.AWS.AccessKeyID,
			SecretAccessKey: creds.AWS.SecretAccessKey,
			SessionToken:    creds.AWS.SessionToken,
			Region:          creds.AWS.Region,
		},
	}
}

// Manager exposes the session manager, for the reconciler.
func (c *Client) Manager() *session.Manager {
	return c.manager
}

// CheckRuntime checks the container backend when the runtime supports it.
func (c *Client) CheckRuntime(ctx context.Context) error {
	if hc, ok := c.runtime.(container.HealthChecker); ok {
		return hc.Check(ctx)
	}
	return nil
}

// CreateSession launches a new environment.
func (c *Client) CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	return c.manager.Create(ctx, req)
}

// ListSessions returns active sessions, oldest first.
func (c *Client) ListSessions(ctx context.Context) ([]*session.Session, error) {
	return c.manager.List(ctx)
}

// GetSession returns the active session with id.
func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return c.manager.Get(ctx, id)
}

// StopSession stops and archives a session. opts optionally names the
// recording file or its directory.
func (c *Client) StopSession(ctx context.Context, id string, opts session.StopOptions) (*session.ClosedSession, error) {
	return c.manager.Stop(ctx, id, opts)
}

// StopAllSessions stops every active session.
func (c *Client) StopAllSessions(ctx context.Context, opts session.StopOptions) (session.StopAllResult, error) {
	return c.manager.StopAll(ctx, opts)
}

// ListClosedSessions returns archived sessions.
func (c *Client) ListClosedSessions(ctx context.Context) ([]*session.ClosedSession, error) {
	return c.manager.ListClosed(ctx)
}

// GetClosedSession returns the archive record for id.
func (c *Client) GetClosedSession(ctx context.Context, id string) (*session.ClosedSession, error) {
	return c.manager.GetClosed(ctx, id)
}

// UpdateTag replaces the tag of an active session.
func (c *Client) UpdateTag(ctx context.Context, id, tag string) (*session.Session, error) {
	return c.manager.UpdateTag(ctx, id, tag)
}

// ResolveSession finds an active session by id, then by unique tag.
func (c *Client) ResolveSession(ctx context.Context, identifier string) (*session.Session, error) {
	return c.manager.Resolve(ctx, identifier)
}

// SetProviderConfig swaps the credentials used by later agent runs.
// Runs already in flight keep the provider they started with.
func (c *Client) SetProviderConfig(pc agent.ProviderConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerC = pc
	c.agentCfg.Provider = pc.Provider
}

// Reload applies the agent settings and credentials of a reloaded config.
func (c *Client) Reload(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentCfg = cfg.Agent
	c.providerC = ProviderConfigFromCredentials(cfg.Agent.Provider, cfg.Credentials)
	c.logger.Info().Str("provider", cfg.Agent.Provider).Msg("Agent settings reloaded")
}

// AgentConfig returns the agent settings new runs start with.
func (c *Client) AgentConfig() config.AgentConfig {
	cfg, _ := c.snapshot()
	return cfg
}

func (c *Client) snapshot() (config.AgentConfig, agent.ProviderConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentCfg, c.providerC
}

// RunOptions customizes one agent run.
type RunOptions struct {
	// MaxIterations overrides the configured bound when positive.
	MaxIterations int
	OnEvent       agent.EventHandler
}

// RunAgent resolves identifier and runs the agent loop against that
// session's tools until the model finishes or a bound is hit.
func (c *Client) RunAgent(ctx context.Context, identifier, task string, opts RunOptions) (*agent.Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, agent.ErrEmptyTask
	}

	sess, err := c.manager.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sess.ID)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	agentCfg, providerCfg := c.snapshot()
	provider, err := c.providers.NewProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", providerCfg.Provider, err)
	}

	collection, err := tools.NewSessionCollection(c.channel, sess.ControlEndpoint(), sess.Resolution, logger)
	if err != nil {
		return nil, err
	}

	maxIterations := agentCfg.MaxIterations
	if opts.MaxIterations > 0 {
		maxIterations = opts.MaxIterations
	}
	width, height := tools.ParseDisplaySize(sess.Resolution)

	runner, err := agent.NewRunner(agent.Config{
		Provider:              provider,
		Tools:                 collection,
		Model:                 modelFor(agentCfg),
		MaxTokens:             agentCfg.MaxTokens,
		MaxIterations:         maxIterations,
		SystemPromptSuffix:    agentCfg.SystemPromptSuffix,
		DisplayWidth:          width,
		DisplayHeight:         height,
		ModelTimeout:          agentCfg.ModelTimeout(),
		ToolTimeout:           agentCfg.ToolTimeout(),
		OnlyNMostRecentImages: agentCfg.OnlyNMostRecentImages,
		OnEvent:               opts.OnEvent,
		SessionID:             sess.ID,
		Logger:                c.logger,
	})
	if err != nil {
		return nil, err
	}

	// Runs against one session share its screen, so they are queued FIFO.
	lane := "session:" + sess.ID
	if waiting := c.runs.GetQueueSize(lane) + c.runs.GetRunningCount(lane); waiting > 0 {
		logger.Info().Int("ahead", waiting).Msg("Agent run queued behind another run on this session")
	}
	v, err := c.runs.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
		logger.Info().
			Str("provider", provider.Provider()).
			Int("max_iterations", maxIterations).
			Strs("tools", collection.Names()).
			Msg("Starting agent run")
		return runner.Run(ctx, task)
	})
	result, _ := v.(*agent.Result)
	return result, err
}

// modelFor falls back to the provider's default model.
func modelFor(cfg config.AgentConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	switch cfg.Provider {
	case agent.ProviderAnthropic:
		return config.DefaultAnthropicModel
	case agent.ProviderOpenAI:
		return config.DefaultOpenAIModel
	default:
		return config.DefaultBedrockModel
	}
}

// ListPages lists the open tabs of a browser session.
func (c *Client) ListPages(ctx context.Context, identifier string) ([]browser.PageInfo, error) {
	sess, err := c.browserSession(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return c.inspector.ListPages(ctx, sess.DebugPort)
}

// Screenshot captures a PNG of a tab of a browser session. An empty pageID
// selects the first tab.
func (c *Client) Screenshot(ctx context.Context, identifier, pageID string) ([]byte, error) {
	sess, err := c.browserSession(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return c.inspector.Screenshot(ctx, sess.DebugPort, pageID)
}

func (c *Client) browserSession(ctx context.Context, identifier string) (*session.Session, error) {
	sess, err := c.manager.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if sess.EnvType != session.EnvBrowser {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotBrowserSession, sess.ID, sess.EnvType)
	}
	return sess, nil
}

func (c *Client) closeStore() {
	if c.ownsStore && c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close session store")
		}
	}
}

// Close waits for in-flight agent runs, then releases the store when the
// client opened it.
func (c *Client) Close() error {
	if c.runs != nil {
		_ = c.runs.Close()
	}
	if c.ownsStore && c.store != nil {
		return c.store.Close()
	}
	return nil
}
