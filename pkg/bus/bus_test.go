package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	require.Error(t, b.Publish(context.Background(), "pxeprov.steps", map[string]string{"step": "x"}))

	_, err := b.Subscribe(context.Background(), "pxeprov.steps", func(context.Context, []byte) error { return nil })
	require.Error(t, err)

	b.Close()
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestSubscribeRequiresHandler(t *testing.T) {
	b := &Bus{}
	_, err := b.Subscribe(context.Background(), "x", nil)
	require.Error(t, err)
}
