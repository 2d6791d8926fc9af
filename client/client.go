// Package client provides a typed client for the smoldb server backed by
// a bounded connection pool. One Acquire/Release cycle wraps exactly one
// request/response exchange.
package client

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/oldmanfleming/smoldb/protocol"
	"github.com/oldmanfleming/smoldb/storage"
)

// ErrServer wraps error messages reported by the server.
var ErrServer = errors.New("server error")

type Client struct {
	pool *Pool
}

// New creates a client for the server at addr with the given pool
// capacity. No connection is made until the first call.
func New(logger log.Logger, addr string, poolSize int64) *Client {
	return &Client{pool: NewPool(logger, addr, poolSize)}
}

// Get returns the value for key; ok=false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := c.do(ctx, &protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Value, true, nil
	case protocol.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, errors.Wrap(ErrServer, resp.Message)
	}
}

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	resp, err := c.do(ctx, &protocol.Request{Op: protocol.OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return errors.Wrap(ErrServer, resp.Message)
	}
	return nil
}

// Remove deletes key. Returns storage.ErrKeyNotFound when the key does
// not exist.
func (c *Client) Remove(ctx context.Context, key string) error {
	resp, err := c.do(ctx, &protocol.Request{Op: protocol.OpRemove, Key: key})
	if err != nil {
		return err
	}
	switch resp.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusNotFound:
		return storage.ErrKeyNotFound
	default:
		return errors.Wrap(ErrServer, resp.Message)
	}
}

// List returns all keys on the server.
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, &protocol.Request{Op: protocol.OpList})
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return nil, errors.Wrap(ErrServer, resp.Message)
	}
	return resp.Keys, nil
}

// Close releases all idle pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// do performs one request/response exchange on a pooled connection. Any
// I/O failure marks the connection broken so the pool discards it instead
// of handing it to the next caller.
func (c *Client) do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := exchange(conn, req)
	c.pool.Release(conn, err != nil)
	return resp, err
}

func exchange(conn *Conn, req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadResponse(conn.reader)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return resp, nil
}
