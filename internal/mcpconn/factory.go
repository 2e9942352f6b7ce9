package mcpconn

import (
	"fmt"

	"mcpforge/internal/template"
)

// Dial constructs a Client for target's transport kind but does not
// initialize it; callers must still call Initialize before issuing any
// other request.
func Dial(target Target) (Client, error) {
	switch target.Transport {
	case template.TransportStdio:
		return NewStdio(target)
	case template.TransportHTTP:
		return NewHTTP(target)
	default:
		return nil, fmt.Errorf("unsupported transport kind %q for instance %s", target.Transport, target.InstanceID)
	}
}
