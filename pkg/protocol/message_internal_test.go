package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Consistent(t *testing.T) {
	assert.Len(t, byKind, len(registry))
	assert.Len(t, byTag, len(registry))

	for _, e := range registry {
		v := e.new()
		msg := v.message()
		assert.Equal(t, e.kind, msg.Kind(), e.tag)
		assert.Len(t, msg.variant().fields(), len(v.fields()), e.tag)
	}
}

func TestVariant_DoesNotAlias(t *testing.T) {
	orig := ChatMessage{Name: "bob", Msg: "hi", SentAt: "10:00:00"}
	v := orig.variant()

	*v.(*ChatMessage) = ChatMessage{}
	assert.Equal(t, "bob", orig.Name)
}
