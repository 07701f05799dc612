// Package mcp exposes the crawler over MCP (Model Context Protocol) so
// external AI clients can start, monitor and inspect crawl runs.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"mobile-crawler/pkg/types"

	"github.com/mark3labs/mcp-go/server"
)

// CrawlerApp defines the methods the MCP server needs from the main
// application. The narrow interface keeps the coupling loose.
type CrawlerApp interface {
	ListDevices(ctx context.Context) ([]types.Device, error)
	ListRuns(limit int) ([]types.Run, error)
	RunSummaryJSON(runID string) (string, error)
	StartCrawlRun(ctx context.Context, deviceID, appPackage string, maxSteps, maxDurationSeconds int) (string, error)
	StopCrawl() error
	CrawlStatus() (runID string, state string, running bool)
}

// MCPServer wraps the mcp-go server with crawler tools
type MCPServer struct {
	app       CrawlerApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates the crawler MCP server
func NewMCPServer(app CrawlerApp, version string) *MCPServer {
	mcpServer := server.NewMCPServer(
		"mobile-crawler",
		version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}
	s.registerTools()
	return s
}

// Start runs the server over stdio, blocking until the client
// disconnects or the process is interrupted
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "[MCP] mobile-crawler MCP server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	return err
}
