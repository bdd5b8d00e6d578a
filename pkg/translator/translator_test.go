package translator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/taskforge/pkg/gateway"
)

type llmFunc func(ctx context.Context, temperature float64, messages []gateway.Message) (string, error)

func (f llmFunc) Chat(ctx context.Context, temperature float64, messages []gateway.Message) (string, error) {
	return f(ctx, temperature, messages)
}

func TestTranslatePassesThroughStructuredInput(t *testing.T) {
	tr := New(llmFunc(func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		t.Fatal("structured input must not hit the model")
		return "", nil
	}))

	task, err := tr.Translate(context.Background(),
		`{"abstract": "a", "description": "b", "verification": "c"}`)
	require.NoError(t, err)
	assert.Equal(t, "a", task.Abstract)
	assert.Equal(t, "b", task.Description)
	assert.Equal(t, "c", task.Verification)
}

func TestTranslateExpandsFreeText(t *testing.T) {
	var gotTemp float64
	tr := New(llmFunc(func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		gotTemp = temp
		assert.Contains(t, msgs[1].Content, "scan example.com")
		return "Here is the task:\n```json\n{\"abstract\": \"Scan example.com\", \"description\": \"Run nmap\", \"verification\": \"Report exists\"}\n```", nil
	}))

	task, err := tr.Translate(context.Background(), "scan example.com")
	require.NoError(t, err)
	assert.Equal(t, "Scan example.com", task.Abstract)
	assert.InDelta(t, 0.3, gotTemp, 0.001)
}

func TestTranslateIncompleteJSONGoesToModel(t *testing.T) {
	// A JSON object missing fields is not "already structured".
	tr := New(llmFunc(func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		return `{"abstract": "expanded", "description": "d", "verification": "v"}`, nil
	}))

	task, err := tr.Translate(context.Background(), `{"abstract": "only this"}`)
	require.NoError(t, err)
	assert.Equal(t, "expanded", task.Abstract)
}

func TestTranslateErrors(t *testing.T) {
	tr := New(llmFunc(func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		return "", errors.New("gateway down")
	}))
	_, err := tr.Translate(context.Background(), "scan something")
	assert.Error(t, err)

	tr = New(llmFunc(func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		return "not json", nil
	}))
	_, err = tr.Translate(context.Background(), "scan something")
	assert.Error(t, err)
}
