package cache

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/transport"
)

// NoCache is a ConnCache that builds a fresh transport on every Get and
// closes it immediately on Release. It exists so callers can disable
// pooling without changing their code: every behavior described for Cache
// degenerates correctly in this mode (one entry per Get, refcount always 0
// after the matching Release, nothing ever pooled).
type NoCache struct {
	dialCfg transport.Config
}

// NewNoCache creates a NoCache that dials new transports using dialCfg.
func NewNoCache(dialCfg transport.Config) *NoCache {
	return &NoCache{dialCfg: dialCfg}
}

// Get always dials and authenticates a fresh transport.
func (c *NoCache) Get(ctx context.Context, key transport.EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	_, client, err := transport.Connect(ctx, c.dialCfg, key, password, signers, hostKeyCallback)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Release closes client immediately.
func (c *NoCache) Release(client *ssh.Client) {
	_ = client.Close()
}

// Flush is a no-op: NoCache keeps no record of the transports it hands out,
// and each one is closed by its own Release.
func (c *NoCache) Flush() {}

var _ ConnCache = (*Cache)(nil)
var _ ConnCache = (*NoCache)(nil)
