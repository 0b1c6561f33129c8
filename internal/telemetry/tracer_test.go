package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_BlankEndpointBuildsUsableProvider(t *testing.T) {
	p, err := New(context.Background(), "", "master-core-test")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := Tracer("test").Start(context.Background(), "unit-test-span")
	span.End()
}
