package trace

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/oklog/ulid/v2"
)

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	assert.NotEqual(t, "", id)
	assert.Equal(t, id, FromContext(ctx))

	_, err := ulid.Parse(id)
	assert.Equal(t, err, nil)

	same, again := Ensure(ctx)
	assert.Equal(t, id, again)
	assert.Equal(t, id, FromContext(same))
}

func TestFromHeader(t *testing.T) {
	assert.Equal(t, "abc", FromHeader("abc"))
	assert.NotEqual(t, "", FromHeader(""))
	assert.Equal(t, "", FromContext(context.Background()))
}
