package session

import (
	"context"

	"github.com/postalsys/relaychat/internal/crypto"
)

// handshake runs the server side of the key exchange:
//
//  1. send the server public key in the clear
//  2. receive the peer public key in the clear
//  3. send this connection's symmetric key sealed to the peer key
//
// Nothing else is sent or accepted until all three steps succeed.
func (c *Connection) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if err := c.write(ctx, c.cfg.Keypair.PublicBytes()); err != nil {
		return err
	}

	data, err := c.read(ctx)
	if err != nil {
		return err
	}

	peerKey, err := crypto.ParsePublicKey(data)
	if err != nil {
		return err
	}

	raw, err := c.key.Bytes()
	if err != nil {
		return err
	}
	sealed, err := peerKey.Seal(raw)
	crypto.ZeroBytes(raw)
	if err != nil {
		return err
	}

	if err := c.write(ctx, sealed); err != nil {
		return err
	}

	c.mu.Lock()
	c.peerKey = peerKey
	c.mu.Unlock()
	return nil
}
