package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marinabox/marinabox/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Collection is the set of tools bound to one session. Run never returns a
// Go error: every failure is reported in Result.Error.
type Collection struct {
	tools   map[string]Tool
	order   []string
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewCollection compiles each tool's input schema. Duplicate names are rejected.
func NewCollection(logger zerolog.Logger, tools ...Tool) (*Collection, error) {
	c := &Collection{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*gojsonschema.Schema, len(tools)),
		logger:  logger.With().Str("component", "tools").Logger(),
	}
	for _, tool := range tools {
		name := tool.Name()
		if _, exists := c.tools[name]; exists {
			return nil, fmt.Errorf("duplicate tool name: %s", name)
		}
		compiled, err := tool.InputSchema().compile()
		if err != nil {
			return nil, err
		}
		c.tools[name] = tool
		c.schemas[name] = compiled
		c.order = append(c.order, name)
	}
	return c, nil
}

// NewSessionCollection binds the computer, bash and editor tools to endpoint.
func NewSessionCollection(channel Channel, endpoint Endpoint, resolution string, logger zerolog.Logger) (*Collection, error) {
	return NewCollection(logger,
		NewComputerTool(channel, endpoint, resolution),
		NewBashTool(channel, endpoint),
		NewEditTool(channel, endpoint),
	)
}

// Schemas lists the tool descriptions in registration order.
func (c *Collection) Schemas() []Schema {
	schemas := make([]Schema, 0, len(c.order))
	for _, name := range c.order {
		schemas = append(schemas, c.tools[name].InputSchema())
	}
	return schemas
}

// Names lists the tool names in registration order.
func (c *Collection) Names() []string {
	return append([]string(nil), c.order...)
}

// Run validates input and invokes the named tool.
func (c *Collection) Run(ctx context.Context, name string, input map[string]any) (result Result) {
	start := time.Now()
	logger := c.logger.With().Str("tool", name).Logger()
	defer func() {
		observability.RecordToolExecution(name, time.Since(start), !result.Failed())
	}()

	tool, ok := c.tools[name]
	if !ok {
		logger.Warn().Msg("Tool not found")
		return ErrorResult(fmt.Sprintf("tool %s is invalid", name))
	}

	if input == nil {
		input = map[string]any{}
	}
	if err := validate(c.schemas[name], input); err != nil {
		logger.Warn().Err(err).Msg("Tool input validation failed")
		return ErrorResult(err.Error())
	}

	logger.Debug().Msg("Invoking tool")
	res, err := tool.Invoke(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Error().Dur("duration", time.Since(start)).Msg("Tool execution timeout")
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, time.Since(start).Round(time.Millisecond)))
		}
		logger.Error().Err(err).Msg("Tool execution failed")
		return ErrorResult(err.Error())
	}

	logger.Debug().
		Dur("duration", time.Since(start)).
		Bool("has_image", res.Base64Image != "").
		Msg("Tool execution completed")
	return res
}

func validate(schema *gojsonschema.Schema, input map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid tool input: %s", strings.Join(msgs, "; "))
}
