package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ names []string }

func (r *recorder) Emit(_ context.Context, name string, _ any) {
	r.names = append(r.names, name)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, LogEmitter{}, b}

	m.Emit(context.Background(), FileUploaded, FileUploadedPayload{FileID: "f-1"})
	m.Emit(context.Background(), ArchiveReady, ArchiveReadyPayload{ArchiveID: "a-1"})

	assert.Equal(t, []string{FileUploaded, ArchiveReady}, a.names)
	assert.Equal(t, a.names, b.names)
}
