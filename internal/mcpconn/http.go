package mcpconn

import (
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// NewHTTP dials target.BaseURL over the streamable-HTTP transport. This
// constructor does not acquire credentials for the backend server; an
// upstream auth failure surfaces from the caller's first request.
func NewHTTP(target Target) (Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(target.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(target.Headers))
	}

	raw, err := client.NewStreamableHttpClient(target.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct http client for instance %s: %w", target.InstanceID, err)
	}

	return newBaseClient(raw, target.TemplateID, target.InstanceID), nil
}
