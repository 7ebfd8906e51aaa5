package mocks

import (
	"errors"
	"sync"

	"communityhub/pkg/interfaces"
)

// ErrFakeClosed is returned by FakeConnection.WriteJSON after Close.
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection is an in-memory interfaces.Connection that keeps every
// written value.
type FakeConnection struct {
	ConnID string

	mu      sync.Mutex
	written []interface{}
	closed  bool
}

var _ interfaces.Connection = (*FakeConnection)(nil)

func NewFakeConnection(id string) *FakeConnection {
	return &FakeConnection{ConnID: id}
}

func (c *FakeConnection) ID() string { return c.ConnID }

func (c *FakeConnection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeClosed
	}
	c.written = append(c.written, v)
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Written returns a copy of the values written so far.
func (c *FakeConnection) Written() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.written...)
}

func (c *FakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
