package httpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewClient(t *testing.T) {
	c := NewClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.NotNil(t, c.Transport)
}

func TestSharedClientHasTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, Client.Timeout)
}
