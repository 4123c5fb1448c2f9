// agentd hosts one specialist agent: an A2A invoke endpoint backed by
// audited MCP tool clients and an LLM, registered with the registry and
// kept alive by heartbeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/finvault/fabric/pkg/a2a"
	"github.com/finvault/fabric/pkg/config"
	"github.com/finvault/fabric/pkg/llm"
	"github.com/finvault/fabric/pkg/logger"
	"github.com/finvault/fabric/pkg/mcp"
	"github.com/finvault/fabric/pkg/observability"
	"github.com/finvault/fabric/pkg/registry"
	"github.com/finvault/fabric/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Agent.Validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(ctx, &cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	sink, err := telemetry.NewFileSink(cfg.Telemetry.Dir)
	if err != nil {
		return err
	}
	defer sink.Close()

	tools := make(map[string]*mcp.AuditedClient, len(cfg.Agent.MCPServers))
	for _, serverCfg := range cfg.Agent.MCPServers {
		client, err := mcp.NewClient(mcp.ClientConfig{
			Name:              serverCfg.Name,
			URL:               serverCfg.URL,
			ExternalURL:       serverCfg.ExternalURL,
			PreferExternalURL: serverCfg.PreferExternalURL,
		})
		if err != nil {
			return err
		}
		tools[serverCfg.Name] = mcp.NewAuditedClient(client, sink, serverCfg.PaymentServer)
	}

	chatClient := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.Endpoint,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.MiniDeployment,
		Timeout: 30 * time.Second,
	})

	host, port := splitListenAddr(cfg.Agent.ListenAddr)
	identity := a2a.AgentIdentifier{AgentName: cfg.Agent.Name}
	server := a2a.NewServer(a2a.ServerConfig{Host: host, Port: port}, identity)
	agent := &specialistAgent{
		name:    cfg.Agent.Name,
		chatter: chatClient,
		tools:   tools,
		sink:    sink,
	}
	server.HandleIntent(supervisorIntent, a2a.HandlerFunc(agent.processMessage))
	server.HandleIntent("invoke_tool", a2a.HandlerFunc(agent.invokeTool))

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent listening", "agent", cfg.Agent.Name, "addr", cfg.Agent.ListenAddr)
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	registryClient := registry.NewClient(cfg.Agent.RegistryURL)
	result, err := registryClient.Register(ctx, &registry.RegisterRequest{
		AgentName:    cfg.Agent.Name,
		AgentType:    registry.AgentType(cfg.Agent.Type),
		Version:      cfg.Agent.Version,
		Capabilities: cfg.Agent.Capabilities,
		Tags:         cfg.Agent.Tags,
		Endpoints: registry.Endpoints{
			HTTP:   cfg.Agent.PublicURL,
			Health: cfg.Agent.PublicURL + "/health",
			A2A:    cfg.Agent.PublicURL + a2a.InvokePath,
		},
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	log.Info("registered", "agent_id", result.AgentID)

	heartbeat := time.NewTicker(time.Duration(cfg.Agent.HeartbeatIntervalSeconds) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-heartbeat.C:
			if err := registryClient.Heartbeat(ctx, result.AgentID, nil); err != nil {
				log.Warn("heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := registryClient.Deregister(shutdownCtx, result.AgentID); err != nil {
				log.Warn("deregistration failed", "error", err)
			}
			log.Info("shutting down")
			return server.Stop(shutdownCtx)
		}
	}
}

const supervisorIntent = "process_message"

// specialistAgent is the generic agent body: answer via the LLM, with the
// audited tool clients available by name.
type specialistAgent struct {
	name    string
	chatter llm.Chatter
	tools   map[string]*mcp.AuditedClient
	sink    telemetry.Sink
}

func (a *specialistAgent) processMessage(ctx context.Context, msg *a2a.Message) (map[string]any, error) {
	text, _ := msg.Payload["message"].(string)
	if text == "" {
		return nil, &a2a.HandlerError{Code: "INVALID_PAYLOAD", Message: "message is required"}
	}

	messages := []llm.ChatMessage{{
		Role:    "system",
		Content: "You are " + a.name + ", a specialist banking assistant. Answer only within your specialty.",
	}}
	if history, ok := msg.Payload["history"].([]any); ok {
		for _, item := range history {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := entry["role"].(string)
			content, _ := entry["content"].(string)
			if role != "" && content != "" {
				messages = append(messages, llm.ChatMessage{Role: role, Content: content})
			}
		}
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: text})

	answer, err := a.chatter.Chat(ctx, messages)
	if err != nil {
		return nil, &a2a.HandlerError{Code: "LLM_FAILURE", Message: "failed to generate a response"}
	}
	return map[string]any{"message": answer}, nil
}

func (a *specialistAgent) invokeTool(ctx context.Context, msg *a2a.Message) (map[string]any, error) {
	serverName, _ := msg.Payload["server"].(string)
	toolName, _ := msg.Payload["tool"].(string)
	args, _ := msg.Payload["arguments"].(map[string]any)

	client, ok := a.tools[serverName]
	if !ok {
		return nil, &a2a.HandlerError{Code: "UNKNOWN_SERVER", Message: "no such tool server: " + serverName}
	}

	userID, _ := msg.Payload["customer_id"].(string)
	threadID, _ := msg.Payload["session_id"].(string)
	result, err := client.ForUser(userID, threadID).CallTool(ctx, toolName, args)
	if err != nil {
		return nil, &a2a.HandlerError{Code: "TOOL_FAILURE", Message: err.Error()}
	}
	return map[string]any{"result": result}, nil
}

func splitListenAddr(addr string) (string, int) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, 8600
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		port = 8600
	}
	return host, port
}
