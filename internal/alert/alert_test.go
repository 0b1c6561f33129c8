package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSink struct {
	sent    []string
	failErr error
}

func (f *fakeSink) Send(ctx context.Context, subject, message string) error {
	f.sent = append(f.sent, subject)
	return f.failErr
}

func TestFanOut_SendsToEverySink(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	fo := NewFanOut(a, b)

	err := fo.Alert(context.Background(), "subj", "msg")
	assert.NoError(t, err)
	assert.Equal(t, []string{"subj"}, a.sent)
	assert.Equal(t, []string{"subj"}, b.sent)
}

func TestFanOut_ContinuesPastFailingSink(t *testing.T) {
	failing := &fakeSink{failErr: errors.New("unreachable")}
	ok := &fakeSink{}
	fo := NewFanOut(failing, ok)

	err := fo.Alert(context.Background(), "subj", "msg")
	assert.Error(t, err)
	assert.Equal(t, []string{"subj"}, ok.sent, "fan-out must not short-circuit on a failing sink")
}
