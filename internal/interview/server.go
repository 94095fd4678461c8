package interview

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Session is the interview state served to an agent.
type Session interface {
	// Pending returns the current round.
	Pending(ctx context.Context) (Round, error)
	// Submit records answers against the current round.
	Submit(ctx context.Context, answers []Answer) (Result, error)
}

// Server exposes a Session over MCP with the pending-questions and
// submit-answers tools, so an agent can run the interview.
type Server struct {
	session    Session
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	port       int
	mu         sync.Mutex

	// submitMu serializes submissions; the store takes one writer at a time.
	submitMu sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates an interview server. The server is not started until
// Start or ServeStdio is called.
func NewServer(session Session) *Server {
	s := &Server{session: session, done: make(chan struct{})}
	s.mcpServer = server.NewMCPServer(
		"bundlr-interview",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Done is closed once a submission leaves no open questions.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Start starts the MCP HTTP server on a random available port.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return 0, fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	s.httpServer = server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithStateLess(true),
	)

	log.Debug("Starting interview MCP server on port %d", s.port)
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	httpServer := s.httpServer
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(addr); err != nil {
			log.Error("Interview MCP server error: %v", err)
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.httpServer = nil
			return 0, fmt.Errorf("failed to start HTTP server: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	log.Info("Interview MCP server ready on port %d", s.port)
	return s.port, nil
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	log.Debug("Stopping interview MCP server")
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		log.Warn("Error stopping interview MCP server: %v", err)
		return fmt.Errorf("failed to stop server: %w", err)
	}
	s.httpServer = nil
	return nil
}

// URL returns the HTTP URL for the MCP endpoint.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("pending-questions",
			mcp.WithDescription("List the open questions of the current interview round, with the evidence each one is about"),
		),
		s.handlePendingQuestions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("submit-answers",
			mcp.WithDescription("Answer questions of the current round. Set notRequired with a reason when a gap does not apply"),
			mcp.WithArray("answers", mcp.Required(),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"questionId": map[string]any{
							"type":        "string",
							"description": "Question ID, e.g. Q-constraints",
						},
						"answer": map[string]any{
							"type":        "string",
							"description": "Concrete answer, or the reason when notRequired is true",
						},
						"notRequired": map[string]any{
							"type":        "boolean",
							"description": "Mark the gap as not applying (default: false)",
						},
					},
					"required": []string{"questionId", "answer"},
				})),
		),
		s.handleSubmitAnswers,
	)
}

func (s *Server) handlePendingQuestions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	round, err := s.session.Pending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load questions: %v", err)), nil
	}
	if len(round.Questions) == 0 {
		return mcp.NewToolResultText("No open questions. The interview is complete."), nil
	}
	data, err := json.MarshalIndent(round, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode questions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleSubmitAnswers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if args == nil {
		return mcp.NewToolResultError("no arguments provided"), nil
	}
	raw, ok := args["answers"]
	if !ok {
		return mcp.NewToolResultError("missing 'answers' parameter"), nil
	}
	list, ok := raw.([]any)
	if !ok {
		return mcp.NewToolResultError("'answers' is not an array"), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultError("at least one answer is required"), nil
	}

	answers := make([]Answer, 0, len(list))
	for i, aRaw := range list {
		m, ok := aRaw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("answer %d is not an object", i)), nil
		}
		qid, ok := m["questionId"].(string)
		if !ok || qid == "" {
			return mcp.NewToolResultError(fmt.Sprintf("answer %d missing or empty 'questionId' field", i)), nil
		}
		text, ok := m["answer"].(string)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("answer %d missing 'answer' field", i)), nil
		}
		a := ParseAnswer(qid, text)
		if nr, ok := m["notRequired"].(bool); ok && nr {
			a.NotRequired = true
		}
		answers = append(answers, a)
	}

	s.submitMu.Lock()
	res, err := s.session.Submit(ctx, answers)
	s.submitMu.Unlock()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record answers: %v", err)), nil
	}

	next, err := s.session.Pending(ctx)
	if err == nil && len(next.Questions) == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
