package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamproxy"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()

	recorder, err := Open(filepath.Join(t.TempDir(), "captures.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = recorder.Close()
	})

	return recorder
}

func TestRecorderPublishAndRecent(t *testing.T) {
	recorder := openTestRecorder(t)

	require.NoError(t, recorder.Publish(&streamproxy.Delta{
		Session: "s1",
		Host:    "generativelanguage.googleapis.com",
		Path:    "/v1beta/models/gemini:streamGenerateContent",
		Body:    "Hel",
	}))
	require.NoError(t, recorder.Publish(&streamproxy.Delta{
		Session:  "s1",
		Body:     "Hello",
		Function: []streamproxy.FunctionCall{{Name: "get_time", Params: map[string]interface{}{"arg1": "abc"}}},
		Done:     true,
	}))

	captures, err := recorder.Recent(1)
	require.NoError(t, err)
	require.Len(t, captures, 1)

	assert.Equal(t, "Hello", captures[0].Body)
	assert.True(t, captures[0].Done)
	assert.JSONEq(t, `[{"name":"get_time","params":{"arg1":"abc"}}]`, captures[0].Function)
}

func TestRecorderSessionOrder(t *testing.T) {
	recorder := openTestRecorder(t)

	require.NoError(t, recorder.Publish(&streamproxy.Delta{Session: "a", Body: "first"}))
	require.NoError(t, recorder.Publish(&streamproxy.Delta{Session: "b", Body: "other"}))
	require.NoError(t, recorder.Publish(&streamproxy.Delta{Session: "a", Body: "second", Done: true}))

	captures, err := recorder.Session("a")
	require.NoError(t, err)
	require.Len(t, captures, 2)

	assert.Equal(t, "first", captures[0].Body)
	assert.Equal(t, "second", captures[1].Body)
	assert.True(t, captures[1].Done)

	errors, err := recorder.Session("missing")
	require.NoError(t, err)
	assert.Empty(t, errors)
}
