package resources

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/server"
	"github.com/teemow/inboxlink/internal/store"
)

func TestJSONContents(t *testing.T) {
	contents, err := jsonContents(LinksURI, map[string]int{"a": 1})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, LinksURI, text.URI)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.JSONEq(t, `{"a":1}`, text.Text)
}

func TestRegisterLinkResources(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DSN = "memory"
	sc, err := server.NewServerContext(context.Background(), server.Options{
		Config: cfg,
		Store:  store.NewMemory(),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })

	_, err = sc.Links().RecordLink(context.Background(), "thread-1", clickup.Task{ID: "t1", Name: "One"})
	require.NoError(t, err)

	s := mcpserver.NewMCPServer("inboxlink", "test", mcpserver.WithResourceCapabilities(false, false))
	require.NoError(t, RegisterLinkResources(s, sc))

	msg := s.HandleMessage(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"inboxlink://links"}}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "thread-1")
}
